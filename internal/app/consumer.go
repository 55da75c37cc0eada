/**
 * @description
 * This file implements the message handler for confirmed deposit events
 * consumed from RabbitMQ. The deposit gateway publishes `deposit.confirmed`
 * once an on-chain transfer into a watched account is final; this handler
 * credits the internal token ledger.
 *
 * Ack semantics: returning true acknowledges the message, returning false
 * re-queues it. Malformed or invalid payloads are acknowledged (re-delivery
 * cannot fix them); transient failures such as a database outage re-queue.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/paystream/stream-service/internal/domain"
	"github.com/paystream/stream-service/internal/engine"
)

// DepositConsumer applies confirmed deposit events to the token ledger.
type DepositConsumer struct {
	service *Service
}

func NewDepositConsumer(service *Service) *DepositConsumer {
	return &DepositConsumer{service: service}
}

// HandleMessage processes one deposit.confirmed delivery.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var ev domain.DepositEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("level=error component=deposit_consumer msg=\"malformed deposit event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.CreditDeposit(ctx, ev); err != nil {
		if errors.Is(err, engine.ErrInvalidParameters) {
			log.Printf("level=error component=deposit_consumer msg=\"invalid deposit event; dropping\" account=%s err=%v", ev.Account, err)
			return true
		}
		log.Printf("level=error component=deposit_consumer msg=\"deposit credit failed; re-queuing\" account=%s err=%v", ev.Account, err)
		return false
	}

	return true
}
