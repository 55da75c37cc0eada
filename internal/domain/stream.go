/**
 * @description
 * This file defines the core domain models for the stream-service: the
 * persisted stream and token-account records, the API request/response DTOs,
 * and the event payloads published to RabbitMQ.
 *
 * @notes
 * - Amounts are `int64` in the asset's smallest unit. Fractional-token
 *   conversion is the client's job; nothing fractional crosses this
 *   boundary.
 * - Public keys travel as base58 strings at this layer; the engine works
 *   with the decoded 32-byte keys.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stream maps to the `streams` table: one row per live payment stream,
// keyed by its derived address.
type Stream struct {
	Address         string    `json:"address"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	Mint            string    `json:"mint"`
	EscrowAddress   string    `json:"escrow_address"`
	Amount          int64     `json:"amount"`
	RatePerMinute   int64     `json:"rate_per_minute"`
	StartTime       int64     `json:"start_time"`
	DurationMinutes int64     `json:"duration_minutes"`
	FeePercentage   int16     `json:"fee_percentage"`
	Redeemed        int64     `json:"redeemed"`
	StreamBump      int16     `json:"-"`
	EscrowBump      int16     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// TokenAccount is one balance in the internal token ledger.
type TokenAccount struct {
	Address   string    `json:"address"`
	Mint      string    `json:"mint"`
	Owner     string    `json:"owner"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamTransfer records one applied balance movement for audit.
type StreamTransfer struct {
	ID            uuid.UUID `json:"id"`
	StreamAddress string    `json:"stream_address"`
	Kind          string    `json:"kind"` // fund_escrow, payout, fee, refund
	FromAddress   string    `json:"from_address"`
	ToAddress     string    `json:"to_address"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateStreamRequest is the DTO for stream creation. Signature is the
// payer's ed25519 signature (base58) over the canonical create message.
type CreateStreamRequest struct {
	Payer           string `json:"payer"`
	Payee           string `json:"payee"`
	Mint            string `json:"mint"`
	PayerSource     string `json:"payer_source"`
	Amount          int64  `json:"amount"`
	RatePerMinute   int64  `json:"rate_per_minute"`
	DurationMinutes int64  `json:"duration_minutes"`
	FeePercentage   int16  `json:"fee_percentage"`
	Signature       string `json:"signature"`
}

// RedeemStreamRequest is the DTO for payee redemption. Seed is a legacy
// placeholder some older clients still send; its value is ignored.
type RedeemStreamRequest struct {
	PayeeDestination string `json:"payee_destination"`
	Seed             uint64 `json:"seed,omitempty"`
	Signature        string `json:"signature"`
}

// CancelStreamRequest is the DTO for payer early termination.
type CancelStreamRequest struct {
	PayerDestination string `json:"payer_destination"`
	PayeeDestination string `json:"payee_destination"`
	Signature        string `json:"signature"`
}

// ReclaimStreamRequest is the DTO for payer post-expiry settlement.
type ReclaimStreamRequest struct {
	PayerDestination string `json:"payer_destination"`
	PayeeDestination string `json:"payee_destination"`
	Seed             uint64 `json:"seed,omitempty"`
	Signature        string `json:"signature"`
}

// StreamView is the API representation of a stream plus the time-dependent
// amounts computed at read time.
type StreamView struct {
	Stream
	VestedAmount     int64 `json:"vested_amount"`
	RedeemableAmount int64 `json:"redeemable_amount"`
	EscrowBalance    int64 `json:"escrow_balance"`
	ExpiresAt        int64 `json:"expires_at"`
	Expired          bool  `json:"expired"`
}

// SettlementResult is returned from redeem/cancel/reclaim.
type SettlementResult struct {
	StreamAddress string `json:"stream_address"`
	PayeeAmount   int64  `json:"payee_amount"`
	FeeAmount     int64  `json:"fee_amount"`
	RefundAmount  int64  `json:"refund_amount"`
	Redeemed      int64  `json:"redeemed"`
	Terminal      bool   `json:"terminal"`
}

// DepositEvent is the payload consumed from the deposit gateway (routing
// key `deposit.confirmed`) and accepted on the internal deposit endpoint.
type DepositEvent struct {
	Account   string `json:"account"`
	Mint      string `json:"mint"`
	Owner     string `json:"owner"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// StreamEvent is the payload published for stream lifecycle events
// (stream.created, stream.redeemed, stream.cancelled, stream.reclaimed,
// stream.expired).
type StreamEvent struct {
	EventID       uuid.UUID `json:"event_id"`
	StreamAddress string    `json:"stream_address"`
	Payer         string    `json:"payer"`
	Payee         string    `json:"payee"`
	Mint          string    `json:"mint"`
	Amount        int64     `json:"amount"`
	PayeeAmount   int64     `json:"payee_amount,omitempty"`
	FeeAmount     int64     `json:"fee_amount,omitempty"`
	RefundAmount  int64     `json:"refund_amount,omitempty"`
	Redeemed      int64     `json:"redeemed"`
	Timestamp     time.Time `json:"timestamp"`
}
