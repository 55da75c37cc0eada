/**
 * @description
 * This file contains the core business logic for the stream-service. The
 * `Service` struct orchestrates the four stream operations: it re-reads
 * fresh stream state, verifies signer authority, runs the escrow engine,
 * persists the outcome atomically through the repository, and publishes
 * lifecycle events to RabbitMQ.
 *
 * Key properties:
 * - Every operation is evaluated against freshly read state; the optimistic
 *   guard in the store rejects a stale writer with ErrStreamConflict.
 * - Authority is proven by an ed25519 signature over the engine's canonical
 *   instruction message, verified against the payer/payee key on record.
 * - The service never retries; callers decide retry policy.
 *
 * @dependencies
 * - context, crypto/ed25519, errors, fmt, log, time: Standard Go libraries.
 * - github.com/gagliardetto/solana-go: Keys, signatures, address derivation.
 * - github.com/google/uuid: Event identifiers.
 * - internal/domain, internal/engine, internal/store: Models, state machine,
 *   persistence.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/paystream/stream-service/internal/domain"
	"github.com/paystream/stream-service/internal/engine"
	"github.com/paystream/stream-service/internal/store"
	"github.com/paystream/stream-service/pkg/rabbitmq"
)

// EventsExchange is the durable topic exchange stream events publish to.
const EventsExchange = "paystream.events"

// maxAmount keeps every engine amount representable as a Postgres BIGINT.
const maxAmount = int64(1)<<62 - 1

// ErrRateLimited is returned when a party exceeds the redeem attempt budget.
var ErrRateLimited = errors.New("too many redeem attempts; try again shortly")

// RateLimiter is the distributed limiter contract (Redis in production).
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for payment streams.
type Service struct {
	repo          store.Repository
	engine        *engine.Engine
	eventProducer rabbitmq.Publisher
	feeOwner      solana.PublicKey

	rateLimiter          RateLimiter
	redeemLimitPerMinute int

	now func() time.Time
}

// NewService creates a new stream service instance. feeOwner is the platform
// identity that owns the per-mint fee collection accounts.
func NewService(repo store.Repository, eng *engine.Engine, producer rabbitmq.Publisher, feeOwner solana.PublicKey) *Service {
	return &Service{
		repo:          repo,
		engine:        eng,
		eventProducer: producer,
		feeOwner:      feeOwner,
		now:           time.Now,
	}
}

// SetRedeemRateLimiter enables distributed redeem rate limiting.
func (s *Service) SetRedeemRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.redeemLimitPerMinute = perMinute
}

// CreateStream validates and funds a new stream. The request must be signed
// by the payer.
func (s *Service) CreateStream(ctx context.Context, req domain.CreateStreamRequest) (*domain.StreamView, error) {
	payer, err := parsePublicKey("payer", req.Payer)
	if err != nil {
		return nil, err
	}
	payee, err := parsePublicKey("payee", req.Payee)
	if err != nil {
		return nil, err
	}
	mint, err := parsePublicKey("mint", req.Mint)
	if err != nil {
		return nil, err
	}
	source, err := parsePublicKey("payer_source", req.PayerSource)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 || req.Amount > maxAmount || req.RatePerMinute <= 0 || req.DurationMinutes <= 0 ||
		req.FeePercentage < 0 || req.FeePercentage > 100 {
		return nil, fmt.Errorf("%w: amounts must be positive integers and fee within 0-100", engine.ErrInvalidParameters)
	}

	now := s.now().UTC()
	rec, addrs, transfers, err := s.engine.CreateStream(engine.CreateParams{
		Signer:          payer,
		Payer:           payer,
		Payee:           payee,
		Mint:            mint,
		PayerSource:     source,
		Amount:          uint64(req.Amount),
		RatePerMinute:   uint64(req.RatePerMinute),
		DurationMinutes: uint64(req.DurationMinutes),
		FeePercentage:   uint8(req.FeePercentage),
	}, now.Unix())
	if err != nil {
		return nil, err
	}

	msg := engine.CreateStreamMessage(addrs.Stream, rec.Amount, rec.RatePerMinute, rec.DurationMinutes, rec.FeePercentage)
	if err := verifySignature(payer, msg, req.Signature); err != nil {
		return nil, err
	}

	// One live stream per (payer, payee) pair; the unique key on the
	// derived address enforces this under concurrency.
	if _, err := s.repo.FindStreamByParties(ctx, req.Payer, req.Payee); err == nil {
		return nil, fmt.Errorf("%w: a live stream between these parties exists", engine.ErrDuplicateStream)
	} else if !errors.Is(err, store.ErrStreamNotFound) {
		return nil, err
	}

	sourceAccount, err := s.repo.GetTokenAccount(ctx, source.String())
	if err != nil {
		return nil, fmt.Errorf("payer source account: %w", err)
	}
	if sourceAccount.Owner != req.Payer {
		return nil, fmt.Errorf("%w: source account is not owned by the payer", engine.ErrAccountMismatch)
	}
	if sourceAccount.Mint != req.Mint {
		return nil, fmt.Errorf("%w: source account holds a different mint", engine.ErrAccountMismatch)
	}

	streamRow := &domain.Stream{
		Address:         addrs.Stream.String(),
		Payer:           req.Payer,
		Payee:           req.Payee,
		Mint:            req.Mint,
		EscrowAddress:   addrs.Escrow.String(),
		Amount:          req.Amount,
		RatePerMinute:   req.RatePerMinute,
		StartTime:       rec.StartTime,
		DurationMinutes: req.DurationMinutes,
		FeePercentage:   req.FeePercentage,
		Redeemed:        0,
		StreamBump:      int16(addrs.StreamBump),
		EscrowBump:      int16(addrs.EscrowBump),
		CreatedAt:       now,
	}
	if err := s.repo.CreateStreamAtomic(ctx, streamRow, toDomainTransfers(streamRow.Address, transfers)); err != nil {
		return nil, mapStoreError(err)
	}

	log.Printf("level=info component=service op=create_stream stream=%s payer=%s payee=%s amount=%d",
		streamRow.Address, req.Payer, req.Payee, req.Amount)
	s.publishEvent(ctx, "stream.created", streamRow, nil)

	view := s.buildView(streamRow, now.Unix())
	return &view, nil
}

// GetStream returns a stream with its live vested/redeemable amounts.
func (s *Service) GetStream(ctx context.Context, address string) (*domain.StreamView, error) {
	rec, err := s.repo.GetStreamByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	view := s.buildView(rec, s.now().UTC().Unix())
	return &view, nil
}

// ListStreams returns streams where the party is payer or payee.
func (s *Service) ListStreams(ctx context.Context, party string, limit, offset int) ([]domain.StreamView, error) {
	if _, err := parsePublicKey("party", party); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	streams, err := s.repo.ListStreamsByParty(ctx, party, limit, offset)
	if err != nil {
		return nil, err
	}
	nowUnix := s.now().UTC().Unix()
	views := make([]domain.StreamView, 0, len(streams))
	for i := range streams {
		views = append(views, s.buildView(&streams[i], nowUnix))
	}
	return views, nil
}

// GetTokenAccount returns one internal token ledger balance.
func (s *Service) GetTokenAccount(ctx context.Context, address string) (*domain.TokenAccount, error) {
	if _, err := parsePublicKey("account", address); err != nil {
		return nil, err
	}
	return s.repo.GetTokenAccount(ctx, address)
}

// ExportStreamAccount returns the stream's serialized account record in the
// on-chain binary layout, for clients that verify state against the wire
// format.
func (s *Service) ExportStreamAccount(ctx context.Context, address string) ([]byte, error) {
	rec, err := s.repo.GetStreamByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	es, err := toEngineStream(rec)
	if err != nil {
		return nil, err
	}
	return engine.EncodeStream(es), nil
}

// ListStreamTransfers returns the audit trail for a stream.
func (s *Service) ListStreamTransfers(ctx context.Context, streamAddress string) ([]domain.StreamTransfer, error) {
	return s.repo.ListStreamTransfers(ctx, streamAddress)
}

// RedeemStream pays the vested-but-unpaid slice to the payee. The request
// must be signed by the payee.
func (s *Service) RedeemStream(ctx context.Context, streamAddress string, req domain.RedeemStreamRequest) (*domain.SettlementResult, error) {
	if err := s.consumeRedeemBudget(ctx, streamAddress); err != nil {
		return nil, err
	}

	rec, es, streamKey, escrowKey, err := s.loadStream(ctx, streamAddress)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(es.Payee, engine.RedeemStreamMessage(streamKey, req.Seed), req.Signature); err != nil {
		return nil, err
	}

	payeeDest, err := s.destinationAccount(ctx, "payee_destination", req.PayeeDestination, rec.Mint, "")
	if err != nil {
		return nil, err
	}
	feeDest, err := s.feeVault(ctx, rec.Mint)
	if err != nil {
		return nil, err
	}

	out, err := s.engine.RedeemStream(es, es.Payee, escrowKey, payeeDest, feeDest, s.now().UTC().Unix())
	if err != nil {
		return nil, err
	}

	if err := s.applySettlement(ctx, rec, out); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service op=redeem_stream stream=%s payee_amount=%d fee=%d terminal=%t",
		rec.Address, out.PayeeAmount, out.FeeAmount, out.Terminal)
	s.publishEvent(ctx, "stream.redeemed", rec, out)
	return settlementResult(rec.Address, out), nil
}

// CancelStream is the payer's early termination: pro-rata settlement to the
// payee, remainder back to the payer, stream closed.
func (s *Service) CancelStream(ctx context.Context, streamAddress string, req domain.CancelStreamRequest) (*domain.SettlementResult, error) {
	rec, es, streamKey, escrowKey, err := s.loadStream(ctx, streamAddress)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(es.Payer, engine.CancelStreamMessage(streamKey), req.Signature); err != nil {
		return nil, err
	}

	payerDest, payeeDest, feeDest, err := s.settlementDestinations(ctx, rec, req.PayerDestination, req.PayeeDestination)
	if err != nil {
		return nil, err
	}

	out, err := s.engine.CancelStream(es, es.Payer, escrowKey, payerDest, payeeDest, feeDest, s.now().UTC().Unix())
	if err != nil {
		return nil, err
	}

	if err := s.applySettlement(ctx, rec, out); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service op=cancel_stream stream=%s payee_amount=%d fee=%d refund=%d",
		rec.Address, out.PayeeAmount, out.FeeAmount, out.RefundAmount)
	s.publishEvent(ctx, "stream.cancelled", rec, out)
	return settlementResult(rec.Address, out), nil
}

// ReclaimStream is the payer's post-expiry settlement. A zero refund is a
// successful no-op return, not an error.
func (s *Service) ReclaimStream(ctx context.Context, streamAddress string, req domain.ReclaimStreamRequest) (*domain.SettlementResult, error) {
	rec, es, streamKey, escrowKey, err := s.loadStream(ctx, streamAddress)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(es.Payer, engine.ReclaimStreamMessage(streamKey, req.Seed), req.Signature); err != nil {
		return nil, err
	}

	payerDest, payeeDest, feeDest, err := s.settlementDestinations(ctx, rec, req.PayerDestination, req.PayeeDestination)
	if err != nil {
		return nil, err
	}

	out, err := s.engine.ReclaimStream(es, es.Payer, escrowKey, payerDest, payeeDest, feeDest, s.now().UTC().Unix())
	if err != nil {
		return nil, err
	}

	if err := s.applySettlement(ctx, rec, out); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service op=reclaim_stream stream=%s refund=%d payee_amount=%d fee=%d",
		rec.Address, out.RefundAmount, out.PayeeAmount, out.FeeAmount)
	s.publishEvent(ctx, "stream.reclaimed", rec, out)
	return settlementResult(rec.Address, out), nil
}

// CreditDeposit applies a confirmed external deposit to the internal token
// ledger, creating the account on first use.
func (s *Service) CreditDeposit(ctx context.Context, ev domain.DepositEvent) error {
	if _, err := parsePublicKey("account", ev.Account); err != nil {
		return err
	}
	if _, err := parsePublicKey("mint", ev.Mint); err != nil {
		return err
	}
	if _, err := parsePublicKey("owner", ev.Owner); err != nil {
		return err
	}
	if ev.Amount <= 0 || ev.Amount > maxAmount {
		return fmt.Errorf("%w: deposit amount must be positive", engine.ErrInvalidParameters)
	}
	if _, err := s.repo.EnsureTokenAccount(ctx, ev.Account, ev.Mint, ev.Owner); err != nil {
		return err
	}
	if err := s.repo.CreditTokenAccount(ctx, ev.Account, ev.Amount); err != nil {
		return err
	}
	log.Printf("level=info component=service op=credit_deposit account=%s amount=%d reference=%s",
		ev.Account, ev.Amount, ev.Reference)
	return nil
}

// loadStream reads fresh stream state and rebuilds the engine record, with
// the stored bumps re-verified against the addresses on file.
func (s *Service) loadStream(ctx context.Context, address string) (*domain.Stream, *engine.Stream, solana.PublicKey, solana.PublicKey, error) {
	streamKey, err := parsePublicKey("stream", address)
	if err != nil {
		return nil, nil, solana.PublicKey{}, solana.PublicKey{}, err
	}
	rec, err := s.repo.GetStreamByAddress(ctx, address)
	if err != nil {
		return nil, nil, solana.PublicKey{}, solana.PublicKey{}, err
	}
	es, err := toEngineStream(rec)
	if err != nil {
		return nil, nil, solana.PublicKey{}, solana.PublicKey{}, err
	}
	escrowKey, err := parsePublicKey("escrow", rec.EscrowAddress)
	if err != nil {
		return nil, nil, solana.PublicKey{}, solana.PublicKey{}, err
	}
	if err := s.engine.VerifyAccounts(es, streamKey, escrowKey); err != nil {
		return nil, nil, solana.PublicKey{}, solana.PublicKey{}, err
	}
	return rec, es, streamKey, escrowKey, nil
}

func (s *Service) settlementDestinations(ctx context.Context, rec *domain.Stream, payerDest, payeeDest string) (solana.PublicKey, solana.PublicKey, solana.PublicKey, error) {
	var zero solana.PublicKey
	payerKey, err := s.destinationAccount(ctx, "payer_destination", payerDest, rec.Mint, rec.Payer)
	if err != nil {
		return zero, zero, zero, err
	}
	payeeKey, err := s.destinationAccount(ctx, "payee_destination", payeeDest, rec.Mint, "")
	if err != nil {
		return zero, zero, zero, err
	}
	feeKey, err := s.feeVault(ctx, rec.Mint)
	if err != nil {
		return zero, zero, zero, err
	}
	return payerKey, payeeKey, feeKey, nil
}

// destinationAccount validates a settlement destination: it must exist and
// hold the stream's mint; when requiredOwner is set, it must be owned by
// that party as well.
func (s *Service) destinationAccount(ctx context.Context, field, address, mint, requiredOwner string) (solana.PublicKey, error) {
	key, err := parsePublicKey(field, address)
	if err != nil {
		return solana.PublicKey{}, err
	}
	account, err := s.repo.GetTokenAccount(ctx, address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: %w", field, err)
	}
	if account.Mint != mint {
		return solana.PublicKey{}, fmt.Errorf("%w: %s holds a different mint", engine.ErrAccountMismatch, field)
	}
	if requiredOwner != "" && account.Owner != requiredOwner {
		return solana.PublicKey{}, fmt.Errorf("%w: %s is not owned by the required party", engine.ErrAccountMismatch, field)
	}
	return key, nil
}

// feeVault returns the platform's fee collection account for a mint,
// creating it on first use. The address is derived so it stays stable per
// (fee owner, mint) pair.
func (s *Service) feeVault(ctx context.Context, mint string) (solana.PublicKey, error) {
	mintKey, err := parsePublicKey("mint", mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	vault, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("fee"), s.feeOwner.Bytes(), mintKey.Bytes()},
		s.engine.ProgramID(),
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive fee vault: %w", err)
	}
	if _, err := s.repo.EnsureTokenAccount(ctx, vault.String(), mint, s.feeOwner.String()); err != nil {
		return solana.PublicKey{}, err
	}
	return vault, nil
}

func (s *Service) applySettlement(ctx context.Context, rec *domain.Stream, out *engine.Settlement) error {
	err := s.repo.ApplySettlementAtomic(ctx, store.ApplySettlementParams{
		StreamAddress:    rec.Address,
		EscrowAddress:    rec.EscrowAddress,
		ExpectedRedeemed: rec.Redeemed,
		NewRedeemed:      int64(out.NewRedeemed),
		Terminal:         out.Terminal,
		Transfers:        toDomainTransfers(rec.Address, out.Transfers),
	})
	if err != nil {
		return mapStoreError(err)
	}
	rec.Redeemed = int64(out.NewRedeemed)
	return nil
}

func (s *Service) consumeRedeemBudget(ctx context.Context, streamAddress string) error {
	if s.rateLimiter == nil || s.redeemLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "stream_redeem", streamAddress, s.redeemLimitPerMinute, time.Minute)
	if err != nil {
		// The limiter is best-effort; never block settlement on Redis.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable\" err=%v", err)
		return nil
	}
	if count > s.redeemLimitPerMinute {
		return fmt.Errorf("%w (retry in %ds)", ErrRateLimited, retryAfter)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, rec *domain.Stream, out *engine.Settlement) {
	if s.eventProducer == nil {
		return
	}
	event := domain.StreamEvent{
		EventID:       uuid.New(),
		StreamAddress: rec.Address,
		Payer:         rec.Payer,
		Payee:         rec.Payee,
		Mint:          rec.Mint,
		Amount:        rec.Amount,
		Redeemed:      rec.Redeemed,
		Timestamp:     s.now().UTC(),
	}
	if out != nil {
		event.PayeeAmount = int64(out.PayeeAmount)
		event.FeeAmount = int64(out.FeeAmount)
		event.RefundAmount = int64(out.RefundAmount)
	}
	if err := s.eventProducer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s stream=%s err=%v",
			routingKey, rec.Address, err)
	}
}

func (s *Service) buildView(rec *domain.Stream, nowUnix int64) domain.StreamView {
	view := domain.StreamView{Stream: *rec}
	es, err := toEngineStream(rec)
	if err != nil {
		// A stored row with an unparseable key should never happen; surface
		// zeros rather than failing the read.
		log.Printf("level=error component=service msg=\"stored stream has invalid keys\" stream=%s err=%v", rec.Address, err)
		return view
	}
	view.VestedAmount = int64(es.VestedAmount(nowUnix))
	view.RedeemableAmount = int64(es.RedeemableAmount(nowUnix))
	view.EscrowBalance = int64(es.EscrowBalance())
	view.ExpiresAt = es.ExpiresAt()
	view.Expired = es.Expired(nowUnix)
	return view
}

func settlementResult(address string, out *engine.Settlement) *domain.SettlementResult {
	return &domain.SettlementResult{
		StreamAddress: address,
		PayeeAmount:   int64(out.PayeeAmount),
		FeeAmount:     int64(out.FeeAmount),
		RefundAmount:  int64(out.RefundAmount),
		Redeemed:      int64(out.NewRedeemed),
		Terminal:      out.Terminal,
	}
}

func toDomainTransfers(streamAddress string, transfers []engine.Transfer) []domain.StreamTransfer {
	rows := make([]domain.StreamTransfer, 0, len(transfers))
	for _, t := range transfers {
		rows = append(rows, domain.StreamTransfer{
			ID:            uuid.New(),
			StreamAddress: streamAddress,
			Kind:          t.Kind,
			FromAddress:   t.From.String(),
			ToAddress:     t.To.String(),
			Amount:        int64(t.Amount),
		})
	}
	return rows
}

func toEngineStream(rec *domain.Stream) (*engine.Stream, error) {
	payer, err := parsePublicKey("payer", rec.Payer)
	if err != nil {
		return nil, err
	}
	payee, err := parsePublicKey("payee", rec.Payee)
	if err != nil {
		return nil, err
	}
	mint, err := parsePublicKey("mint", rec.Mint)
	if err != nil {
		return nil, err
	}
	return &engine.Stream{
		Payer:           payer,
		Payee:           payee,
		Mint:            mint,
		Amount:          uint64(rec.Amount),
		RatePerMinute:   uint64(rec.RatePerMinute),
		StartTime:       rec.StartTime,
		DurationMinutes: uint64(rec.DurationMinutes),
		FeePercentage:   uint8(rec.FeePercentage),
		Redeemed:        uint64(rec.Redeemed),
		StreamBump:      uint8(rec.StreamBump),
		EscrowBump:      uint8(rec.EscrowBump),
	}, nil
}

func parsePublicKey(field, value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s is not a valid public key", engine.ErrInvalidParameters, field)
	}
	return key, nil
}

func verifySignature(signer solana.PublicKey, message []byte, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", engine.ErrUnauthorized)
	}
	if !ed25519.Verify(ed25519.PublicKey(signer.Bytes()), message, sig[:]) {
		return fmt.Errorf("%w: signature does not match the required signer", engine.ErrUnauthorized)
	}
	return nil
}

// mapStoreError translates ledger-level failures into the engine taxonomy
// where the two overlap.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", engine.ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrDuplicateStream):
		return fmt.Errorf("%w: %v", engine.ErrDuplicateStream, err)
	case errors.Is(err, store.ErrMintMismatch):
		return fmt.Errorf("%w: %v", engine.ErrAccountMismatch, err)
	default:
		return err
	}
}
