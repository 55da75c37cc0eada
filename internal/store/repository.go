/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the stream-service needs. Keeping an interface between the business
 * logic and PostgreSQL lets the service layer be tested against an in-memory
 * mock and keeps the atomicity boundary explicit: every *Atomic method is a
 * single all-or-nothing database transaction.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/paystream/stream-service/internal/domain"
)

var (
	ErrTokenAccountNotFound = errors.New("token account not found")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateStream      = errors.New("stream already exists at derived address")
	ErrMintMismatch         = errors.New("token account mint mismatch")
	// ErrStreamConflict means the stream row changed between read and write
	// (another operation on the same stream committed first). The caller
	// re-reads and retries.
	ErrStreamConflict = errors.New("stream state changed concurrently")
)

// ApplySettlementParams describes one settlement to commit atomically: the
// redeemed-counter advance guarded by its expected prior value, the balance
// movements, and whether the stream row closes afterwards.
type ApplySettlementParams struct {
	StreamAddress    string
	EscrowAddress    string
	ExpectedRedeemed int64
	NewRedeemed      int64
	Terminal         bool
	Transfers        []domain.StreamTransfer
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Token ledger
	EnsureTokenAccount(ctx context.Context, address, mint, owner string) (*domain.TokenAccount, error)
	GetTokenAccount(ctx context.Context, address string) (*domain.TokenAccount, error)
	CreditTokenAccount(ctx context.Context, address string, amount int64) error

	// Streams
	CreateStreamAtomic(ctx context.Context, stream *domain.Stream, transfers []domain.StreamTransfer) error
	GetStreamByAddress(ctx context.Context, address string) (*domain.Stream, error)
	FindStreamByParties(ctx context.Context, payer, payee string) (*domain.Stream, error)
	ListStreamsByParty(ctx context.Context, party string, limit, offset int) ([]domain.Stream, error)
	ListExpiredUnnotifiedStreams(ctx context.Context, nowUnix int64) ([]domain.Stream, error)
	MarkStreamExpiryNotified(ctx context.Context, address string) error
	ApplySettlementAtomic(ctx context.Context, p ApplySettlementParams) error

	// Audit trail
	ListStreamTransfers(ctx context.Context, streamAddress string) ([]domain.StreamTransfer, error)
}
