/**
 * @description
 * This file implements the scheduled expiry sweep. Streams do not settle on
 * their own when the duration elapses; the sweep finds streams whose window
 * has closed and publishes a `stream.expired` event so the payer (or an
 * automation acting for them) knows a reclaim is now possible. Each stream
 * is notified once.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paystream/stream-service/internal/domain"
	"github.com/paystream/stream-service/internal/store"
	"github.com/paystream/stream-service/pkg/rabbitmq"
)

// ExpirySweeper scans for newly expired streams and announces them.
type ExpirySweeper struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	now      func() time.Time
}

func NewExpirySweeper(repo store.Repository, producer rabbitmq.Publisher) *ExpirySweeper {
	return &ExpirySweeper{repo: repo, producer: producer, now: time.Now}
}

// Run performs one sweep. Designed to be invoked from a cron schedule; a
// failed publish leaves the stream unmarked so the next sweep retries it.
func (w *ExpirySweeper) Run(ctx context.Context) {
	now := w.now().UTC()
	streams, err := w.repo.ListExpiredUnnotifiedStreams(ctx, now.Unix())
	if err != nil {
		log.Printf("level=error component=expiry_sweeper msg=\"listing expired streams failed\" err=%v", err)
		return
	}
	if len(streams) == 0 {
		return
	}

	log.Printf("level=info component=expiry_sweeper expired_count=%d", len(streams))
	for i := range streams {
		s := &streams[i]
		event := domain.StreamEvent{
			EventID:       uuid.New(),
			StreamAddress: s.Address,
			Payer:         s.Payer,
			Payee:         s.Payee,
			Mint:          s.Mint,
			Amount:        s.Amount,
			Redeemed:      s.Redeemed,
			Timestamp:     now,
		}
		if w.producer != nil {
			if err := w.producer.Publish(ctx, EventsExchange, "stream.expired", event); err != nil {
				log.Printf("level=warn component=expiry_sweeper msg=\"expiry publish failed; will retry next sweep\" stream=%s err=%v", s.Address, err)
				continue
			}
		}
		if err := w.repo.MarkStreamExpiryNotified(ctx, s.Address); err != nil {
			log.Printf("level=error component=expiry_sweeper msg=\"marking expiry notified failed\" stream=%s err=%v", s.Address, err)
		}
	}
}
