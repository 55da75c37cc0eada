/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. All value
 * movements run inside a single database transaction with balance guards in
 * the SQL itself (`balance >= $n`), so an operation either fully applies or
 * fully reverts. There is no partially settled state a reader can observe.
 *
 * Concurrency: settlements advance the `redeemed` counter with an optimistic
 * guard (`WHERE redeemed = expected`). Two operations racing on the same
 * stream cannot both commit against the same prior state; the loser gets
 * ErrStreamConflict and the caller retries against fresh state.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paystream/stream-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository
// interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the service's tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS token_accounts (
			address    TEXT PRIMARY KEY,
			mint       TEXT NOT NULL,
			owner      TEXT NOT NULL,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS streams (
			address          TEXT PRIMARY KEY,
			payer            TEXT NOT NULL,
			payee            TEXT NOT NULL,
			mint             TEXT NOT NULL,
			escrow_address   TEXT NOT NULL,
			amount           BIGINT NOT NULL,
			rate_per_minute  BIGINT NOT NULL,
			start_time       BIGINT NOT NULL,
			duration_minutes BIGINT NOT NULL,
			fee_percentage   SMALLINT NOT NULL,
			redeemed         BIGINT NOT NULL DEFAULT 0,
			stream_bump      SMALLINT NOT NULL,
			escrow_bump      SMALLINT NOT NULL,
			expiry_notified  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_streams_payer ON streams (payer);
		CREATE INDEX IF NOT EXISTS idx_streams_payee ON streams (payee);
		CREATE TABLE IF NOT EXISTS stream_transfers (
			id             UUID PRIMARY KEY,
			stream_address TEXT NOT NULL,
			kind           TEXT NOT NULL,
			from_address   TEXT NOT NULL,
			to_address     TEXT NOT NULL,
			amount         BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_stream_transfers_stream ON stream_transfers (stream_address);
	`
	_, err := r.db.Exec(ctx, schema)
	return err
}

// EnsureTokenAccount creates the token account if it is missing and returns
// the current row either way.
func (r *PostgresRepository) EnsureTokenAccount(ctx context.Context, address, mint, owner string) (*domain.TokenAccount, error) {
	var account domain.TokenAccount
	query := `
		INSERT INTO token_accounts (address, mint, owner, balance)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING address, mint, owner, balance, created_at
	`
	err := r.db.QueryRow(ctx, query, address, mint, owner).Scan(
		&account.Address, &account.Mint, &account.Owner, &account.Balance, &account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if account.Mint != mint {
		return nil, ErrMintMismatch
	}
	return &account, nil
}

// GetTokenAccount retrieves one token account by address.
func (r *PostgresRepository) GetTokenAccount(ctx context.Context, address string) (*domain.TokenAccount, error) {
	var account domain.TokenAccount
	query := `SELECT address, mint, owner, balance, created_at FROM token_accounts WHERE address = $1`
	err := r.db.QueryRow(ctx, query, address).Scan(
		&account.Address, &account.Mint, &account.Owner, &account.Balance, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreditTokenAccount adds to an existing account's balance (deposit path).
func (r *PostgresRepository) CreditTokenAccount(ctx context.Context, address string, amount int64) error {
	result, err := r.db.Exec(ctx,
		`UPDATE token_accounts SET balance = balance + $2 WHERE address = $1`, address, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTokenAccountNotFound
	}
	return nil
}

// CreateStreamAtomic inserts the stream row, debits the payer's source
// account, credits the escrow account, and records the funding transfer in
// one transaction, all or nothing.
func (r *PostgresRepository) CreateStreamAtomic(ctx context.Context, stream *domain.Stream, transfers []domain.StreamTransfer) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertStream := `
		INSERT INTO streams (address, payer, payee, mint, escrow_address, amount, rate_per_minute,
		                     start_time, duration_minutes, fee_percentage, redeemed, stream_bump, escrow_bump)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12)
	`
	_, err = tx.Exec(ctx, insertStream,
		stream.Address, stream.Payer, stream.Payee, stream.Mint, stream.EscrowAddress,
		stream.Amount, stream.RatePerMinute, stream.StartTime, stream.DurationMinutes,
		stream.FeePercentage, stream.StreamBump, stream.EscrowBump,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateStream
		}
		return err
	}

	for _, transfer := range transfers {
		if err := debitAccount(ctx, tx, transfer.FromAddress, stream.Mint, transfer.Amount); err != nil {
			return err
		}
		// Escrow accounts are created on first funding; the escrow is its
		// own owner (self-authority).
		creditEscrow := `
			INSERT INTO token_accounts (address, mint, owner, balance)
			VALUES ($1, $2, $1, $3)
			ON CONFLICT (address) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance
		`
		if _, err := tx.Exec(ctx, creditEscrow, transfer.ToAddress, stream.Mint, transfer.Amount); err != nil {
			return err
		}
		if err := insertTransfer(ctx, tx, transfer); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetStreamByAddress retrieves one stream by its derived address.
func (r *PostgresRepository) GetStreamByAddress(ctx context.Context, address string) (*domain.Stream, error) {
	return r.scanStream(ctx, `WHERE address = $1`, address)
}

// FindStreamByParties retrieves the live stream for a (payer, payee) pair.
func (r *PostgresRepository) FindStreamByParties(ctx context.Context, payer, payee string) (*domain.Stream, error) {
	return r.scanStream(ctx, `WHERE payer = $1 AND payee = $2`, payer, payee)
}

func (r *PostgresRepository) scanStream(ctx context.Context, where string, args ...interface{}) (*domain.Stream, error) {
	var s domain.Stream
	query := `
		SELECT address, payer, payee, mint, escrow_address, amount, rate_per_minute,
		       start_time, duration_minutes, fee_percentage, redeemed, stream_bump, escrow_bump, created_at
		FROM streams ` + where
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&s.Address, &s.Payer, &s.Payee, &s.Mint, &s.EscrowAddress, &s.Amount, &s.RatePerMinute,
		&s.StartTime, &s.DurationMinutes, &s.FeePercentage, &s.Redeemed, &s.StreamBump, &s.EscrowBump, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListStreamsByParty returns streams where the party is payer or payee,
// newest first.
func (r *PostgresRepository) ListStreamsByParty(ctx context.Context, party string, limit, offset int) ([]domain.Stream, error) {
	query := `
		SELECT address, payer, payee, mint, escrow_address, amount, rate_per_minute,
		       start_time, duration_minutes, fee_percentage, redeemed, stream_bump, escrow_bump, created_at
		FROM streams
		WHERE payer = $1 OR payee = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, party, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []domain.Stream
	for rows.Next() {
		var s domain.Stream
		if err := rows.Scan(
			&s.Address, &s.Payer, &s.Payee, &s.Mint, &s.EscrowAddress, &s.Amount, &s.RatePerMinute,
			&s.StartTime, &s.DurationMinutes, &s.FeePercentage, &s.Redeemed, &s.StreamBump, &s.EscrowBump, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// ListExpiredUnnotifiedStreams returns live streams whose full duration has
// elapsed and whose expiry has not been announced yet.
func (r *PostgresRepository) ListExpiredUnnotifiedStreams(ctx context.Context, nowUnix int64) ([]domain.Stream, error) {
	query := `
		SELECT address, payer, payee, mint, escrow_address, amount, rate_per_minute,
		       start_time, duration_minutes, fee_percentage, redeemed, stream_bump, escrow_bump, created_at
		FROM streams
		WHERE expiry_notified = FALSE
		  AND start_time + duration_minutes * 60 <= $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, nowUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []domain.Stream
	for rows.Next() {
		var s domain.Stream
		if err := rows.Scan(
			&s.Address, &s.Payer, &s.Payee, &s.Mint, &s.EscrowAddress, &s.Amount, &s.RatePerMinute,
			&s.StartTime, &s.DurationMinutes, &s.FeePercentage, &s.Redeemed, &s.StreamBump, &s.EscrowBump, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// MarkStreamExpiryNotified records that the expiry event for a stream was
// published, so the sweep does not announce it again.
func (r *PostgresRepository) MarkStreamExpiryNotified(ctx context.Context, address string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE streams SET expiry_notified = TRUE WHERE address = $1`, address)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// ApplySettlementAtomic commits one settlement: advances the redeemed
// counter against its expected prior value, applies every transfer with a
// balance guard, records the audit rows, and closes the stream when the
// settlement is terminal.
func (r *PostgresRepository) ApplySettlementAtomic(ctx context.Context, p ApplySettlementParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE streams SET redeemed = $3 WHERE address = $1 AND redeemed = $2`,
		p.StreamAddress, p.ExpectedRedeemed, p.NewRedeemed,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM streams WHERE address = $1)`, p.StreamAddress).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrStreamNotFound
		}
		return ErrStreamConflict
	}

	for _, transfer := range p.Transfers {
		if err := debitAccount(ctx, tx, transfer.FromAddress, "", transfer.Amount); err != nil {
			return err
		}
		credit, err := tx.Exec(ctx,
			`UPDATE token_accounts SET balance = balance + $2 WHERE address = $1`,
			transfer.ToAddress, transfer.Amount,
		)
		if err != nil {
			return err
		}
		if credit.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTokenAccountNotFound, transfer.ToAddress)
		}
		if err := insertTransfer(ctx, tx, transfer); err != nil {
			return err
		}
	}

	if p.Terminal {
		// Mirrors the on-chain close: the record and the drained escrow
		// account go away, so nothing can act on this stream again.
		if _, err := tx.Exec(ctx, `DELETE FROM streams WHERE address = $1`, p.StreamAddress); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM token_accounts WHERE address = $1 AND balance = 0`, p.EscrowAddress); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListStreamTransfers returns the recorded movements for a stream, oldest
// first.
func (r *PostgresRepository) ListStreamTransfers(ctx context.Context, streamAddress string) ([]domain.StreamTransfer, error) {
	query := `
		SELECT id, stream_address, kind, from_address, to_address, amount, created_at
		FROM stream_transfers
		WHERE stream_address = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, streamAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.StreamTransfer
	for rows.Next() {
		var t domain.StreamTransfer
		if err := rows.Scan(&t.ID, &t.StreamAddress, &t.Kind, &t.FromAddress, &t.ToAddress, &t.Amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// debitAccount subtracts from a balance with the guard in the SQL. An empty
// mint skips the mint check (settlement transfers were validated upstream).
func debitAccount(ctx context.Context, tx pgx.Tx, address, mint string, amount int64) error {
	var (
		result pgconn.CommandTag
		err    error
	)
	if mint == "" {
		result, err = tx.Exec(ctx,
			`UPDATE token_accounts SET balance = balance - $2 WHERE address = $1 AND balance >= $2`,
			address, amount)
	} else {
		result, err = tx.Exec(ctx,
			`UPDATE token_accounts SET balance = balance - $2 WHERE address = $1 AND mint = $3 AND balance >= $2`,
			address, amount, mint)
	}
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	// Distinguish the failure: missing account, wrong mint, or short funds.
	var gotMint string
	var balance int64
	err = tx.QueryRow(ctx, `SELECT mint, balance FROM token_accounts WHERE address = $1`, address).Scan(&gotMint, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTokenAccountNotFound, address)
		}
		return err
	}
	if mint != "" && gotMint != mint {
		return fmt.Errorf("%w: account %s holds %s", ErrMintMismatch, address, gotMint)
	}
	return fmt.Errorf("%w: account %s holds %d, needs %d", ErrInsufficientFunds, address, balance, amount)
}

func insertTransfer(ctx context.Context, tx pgx.Tx, t domain.StreamTransfer) error {
	id := t.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO stream_transfers (id, stream_address, kind, from_address, to_address, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, t.StreamAddress, t.Kind, t.FromAddress, t.ToAddress, t.Amount,
	)
	return err
}
