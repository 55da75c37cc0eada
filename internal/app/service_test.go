package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/paystream/stream-service/internal/domain"
	"github.com/paystream/stream-service/internal/engine"
	"github.com/paystream/stream-service/internal/store"
)

// memoryRepository is an in-memory Repository used to exercise the service
// layer without PostgreSQL. It enforces the same guards the SQL does:
// balance checks, duplicate detection, and the optimistic redeemed guard.
type memoryRepository struct {
	accounts  map[string]*domain.TokenAccount
	streams   map[string]*domain.Stream
	transfers []domain.StreamTransfer
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		accounts: make(map[string]*domain.TokenAccount),
		streams:  make(map[string]*domain.Stream),
	}
}

func (m *memoryRepository) EnsureTokenAccount(_ context.Context, address, mint, owner string) (*domain.TokenAccount, error) {
	if acc, ok := m.accounts[address]; ok {
		return acc, nil
	}
	acc := &domain.TokenAccount{Address: address, Mint: mint, Owner: owner}
	m.accounts[address] = acc
	return acc, nil
}

func (m *memoryRepository) GetTokenAccount(_ context.Context, address string) (*domain.TokenAccount, error) {
	acc, ok := m.accounts[address]
	if !ok {
		return nil, store.ErrTokenAccountNotFound
	}
	copied := *acc
	return &copied, nil
}

func (m *memoryRepository) CreditTokenAccount(_ context.Context, address string, amount int64) error {
	acc, ok := m.accounts[address]
	if !ok {
		return store.ErrTokenAccountNotFound
	}
	acc.Balance += amount
	return nil
}

func (m *memoryRepository) CreateStreamAtomic(_ context.Context, s *domain.Stream, transfers []domain.StreamTransfer) error {
	if _, ok := m.streams[s.Address]; ok {
		return store.ErrDuplicateStream
	}
	for _, t := range transfers {
		if err := m.move(t); err != nil {
			return err
		}
	}
	copied := *s
	m.streams[s.Address] = &copied
	m.transfers = append(m.transfers, transfers...)
	return nil
}

func (m *memoryRepository) move(t domain.StreamTransfer) error {
	from, ok := m.accounts[t.FromAddress]
	if !ok {
		return store.ErrTokenAccountNotFound
	}
	if from.Balance < t.Amount {
		return store.ErrInsufficientFunds
	}
	to, ok := m.accounts[t.ToAddress]
	if !ok {
		to = &domain.TokenAccount{Address: t.ToAddress, Mint: from.Mint, Owner: t.ToAddress}
		m.accounts[t.ToAddress] = to
	}
	from.Balance -= t.Amount
	to.Balance += t.Amount
	return nil
}

func (m *memoryRepository) GetStreamByAddress(_ context.Context, address string) (*domain.Stream, error) {
	s, ok := m.streams[address]
	if !ok {
		return nil, store.ErrStreamNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memoryRepository) FindStreamByParties(_ context.Context, payer, payee string) (*domain.Stream, error) {
	for _, s := range m.streams {
		if s.Payer == payer && s.Payee == payee {
			copied := *s
			return &copied, nil
		}
	}
	return nil, store.ErrStreamNotFound
}

func (m *memoryRepository) ListStreamsByParty(_ context.Context, party string, _, _ int) ([]domain.Stream, error) {
	var out []domain.Stream
	for _, s := range m.streams {
		if s.Payer == party || s.Payee == party {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memoryRepository) ListExpiredUnnotifiedStreams(_ context.Context, nowUnix int64) ([]domain.Stream, error) {
	var out []domain.Stream
	for _, s := range m.streams {
		if s.StartTime+s.DurationMinutes*60 <= nowUnix {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memoryRepository) MarkStreamExpiryNotified(_ context.Context, _ string) error { return nil }

func (m *memoryRepository) ApplySettlementAtomic(_ context.Context, p store.ApplySettlementParams) error {
	s, ok := m.streams[p.StreamAddress]
	if !ok {
		return store.ErrStreamNotFound
	}
	if s.Redeemed != p.ExpectedRedeemed {
		return store.ErrStreamConflict
	}
	for _, t := range p.Transfers {
		if err := m.move(t); err != nil {
			return err
		}
	}
	m.transfers = append(m.transfers, p.Transfers...)
	if p.Terminal {
		delete(m.streams, p.StreamAddress)
		if esc, ok := m.accounts[p.EscrowAddress]; ok && esc.Balance == 0 {
			delete(m.accounts, p.EscrowAddress)
		}
		return nil
	}
	s.Redeemed = p.NewRedeemed
	return nil
}

func (m *memoryRepository) ListStreamTransfers(_ context.Context, streamAddress string) ([]domain.StreamTransfer, error) {
	var out []domain.StreamTransfer
	for _, t := range m.transfers {
		if t.StreamAddress == streamAddress {
			out = append(out, t)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	routingKeys []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, routingKey string, _ interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

type serviceFixture struct {
	repo      *memoryRepository
	publisher *recordingPublisher
	service   *Service
	clock     time.Time

	payerWallet *solana.Wallet
	payeeWallet *solana.Wallet
	mint        solana.PublicKey
	source      string
	payerDest   string
	payeeDest   string
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:        newMemoryRepository(),
		publisher:   &recordingPublisher{},
		clock:       time.Unix(1_700_000_000, 0).UTC(),
		payerWallet: solana.NewWallet(),
		payeeWallet: solana.NewWallet(),
		mint:        solana.NewWallet().PublicKey(),
	}
	feeOwner := solana.NewWallet().PublicKey()
	f.service = NewService(f.repo, engine.New(engine.DefaultProgramID), f.publisher, feeOwner)
	f.service.now = func() time.Time { return f.clock }

	ctx := context.Background()
	mint := f.mint.String()
	payer := f.payerWallet.PublicKey().String()
	payee := f.payeeWallet.PublicKey().String()

	f.source = solana.NewWallet().PublicKey().String()
	f.payerDest = solana.NewWallet().PublicKey().String()
	f.payeeDest = solana.NewWallet().PublicKey().String()
	for _, acc := range []struct{ addr, owner string }{
		{f.source, payer},
		{f.payerDest, payer},
		{f.payeeDest, payee},
	} {
		if _, err := f.repo.EnsureTokenAccount(ctx, acc.addr, mint, acc.owner); err != nil {
			t.Fatalf("seeding account %s: %v", acc.addr, err)
		}
	}
	if err := f.repo.CreditTokenAccount(ctx, f.source, 100_000_000); err != nil {
		t.Fatalf("funding source: %v", err)
	}
	return f
}

func (f *serviceFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *serviceFixture) sign(t *testing.T, wallet *solana.Wallet, msg []byte) string {
	t.Helper()
	sig, err := wallet.PrivateKey.Sign(msg)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return sig.String()
}

func (f *serviceFixture) createStream(t *testing.T, amount, rate, duration int64, feePct int16) *domain.StreamView {
	t.Helper()
	addrs, err := engine.DeriveAddresses(engine.DefaultProgramID, f.payerWallet.PublicKey(), f.payeeWallet.PublicKey())
	if err != nil {
		t.Fatalf("deriving addresses: %v", err)
	}
	msg := engine.CreateStreamMessage(addrs.Stream, uint64(amount), uint64(rate), uint64(duration), uint8(feePct))
	view, err := f.service.CreateStream(context.Background(), domain.CreateStreamRequest{
		Payer:           f.payerWallet.PublicKey().String(),
		Payee:           f.payeeWallet.PublicKey().String(),
		Mint:            f.mint.String(),
		PayerSource:     f.source,
		Amount:          amount,
		RatePerMinute:   rate,
		DurationMinutes: duration,
		FeePercentage:   feePct,
		Signature:       f.sign(t, f.payerWallet, msg),
	})
	if err != nil {
		t.Fatalf("creating stream: %v", err)
	}
	return view
}

func (f *serviceFixture) balance(t *testing.T, address string) int64 {
	t.Helper()
	acc, err := f.repo.GetTokenAccount(context.Background(), address)
	if err != nil {
		t.Fatalf("reading account %s: %v", address, err)
	}
	return acc.Balance
}

func TestCreateStreamFundsEscrow(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)

	if view.EscrowBalance != 5_000_000 {
		t.Fatalf("escrow balance = %d, want 5000000", view.EscrowBalance)
	}
	if got := f.balance(t, f.source); got != 95_000_000 {
		t.Fatalf("source balance = %d, want 95000000", got)
	}
	if view.RedeemableAmount != 0 {
		t.Fatalf("redeemable at creation = %d, want 0", view.RedeemableAmount)
	}
	if len(f.publisher.routingKeys) != 1 || f.publisher.routingKeys[0] != "stream.created" {
		t.Fatalf("published events = %v, want [stream.created]", f.publisher.routingKeys)
	}
}

func TestCreateStreamRejectsWrongSigner(t *testing.T) {
	f := newServiceFixture(t)
	addrs, err := engine.DeriveAddresses(engine.DefaultProgramID, f.payerWallet.PublicKey(), f.payeeWallet.PublicKey())
	if err != nil {
		t.Fatalf("deriving addresses: %v", err)
	}
	msg := engine.CreateStreamMessage(addrs.Stream, 5_000_000, 1_000_000, 5, 5)

	_, err = f.service.CreateStream(context.Background(), domain.CreateStreamRequest{
		Payer:           f.payerWallet.PublicKey().String(),
		Payee:           f.payeeWallet.PublicKey().String(),
		Mint:            f.mint.String(),
		PayerSource:     f.source,
		Amount:          5_000_000,
		RatePerMinute:   1_000_000,
		DurationMinutes: 5,
		FeePercentage:   5,
		Signature:       f.sign(t, f.payeeWallet, msg),
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCreateStreamRejectsDuplicate(t *testing.T) {
	f := newServiceFixture(t)
	f.createStream(t, 5_000_000, 1_000_000, 5, 5)

	addrs, _ := engine.DeriveAddresses(engine.DefaultProgramID, f.payerWallet.PublicKey(), f.payeeWallet.PublicKey())
	msg := engine.CreateStreamMessage(addrs.Stream, 5_000_000, 1_000_000, 5, 5)
	_, err := f.service.CreateStream(context.Background(), domain.CreateStreamRequest{
		Payer:           f.payerWallet.PublicKey().String(),
		Payee:           f.payeeWallet.PublicKey().String(),
		Mint:            f.mint.String(),
		PayerSource:     f.source,
		Amount:          5_000_000,
		RatePerMinute:   1_000_000,
		DurationMinutes: 5,
		FeePercentage:   5,
		Signature:       f.sign(t, f.payerWallet, msg),
	})
	if !errors.Is(err, engine.ErrDuplicateStream) {
		t.Fatalf("err = %v, want ErrDuplicateStream", err)
	}
}

func TestCreateStreamRejectsUnderfundedSource(t *testing.T) {
	f := newServiceFixture(t)
	addrs, _ := engine.DeriveAddresses(engine.DefaultProgramID, f.payerWallet.PublicKey(), f.payeeWallet.PublicKey())
	msg := engine.CreateStreamMessage(addrs.Stream, 500_000_000, 1_000_000, 500, 5)

	_, err := f.service.CreateStream(context.Background(), domain.CreateStreamRequest{
		Payer:           f.payerWallet.PublicKey().String(),
		Payee:           f.payeeWallet.PublicKey().String(),
		Mint:            f.mint.String(),
		PayerSource:     f.source,
		Amount:          500_000_000,
		RatePerMinute:   1_000_000,
		DurationMinutes: 500,
		FeePercentage:   5,
		Signature:       f.sign(t, f.payerWallet, msg),
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestRedeemStreamPaysVestedSlice(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	msg := engine.RedeemStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	res, err := f.service.RedeemStream(context.Background(), view.Address, domain.RedeemStreamRequest{
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payeeWallet, msg),
	})
	if err != nil {
		t.Fatalf("redeeming: %v", err)
	}
	if res.PayeeAmount != 950_000 || res.FeeAmount != 50_000 {
		t.Fatalf("payout = %d fee = %d, want 950000 / 50000", res.PayeeAmount, res.FeeAmount)
	}
	if res.Terminal {
		t.Fatalf("one-minute redemption must not be terminal")
	}
	if got := f.balance(t, f.payeeDest); got != 950_000 {
		t.Fatalf("payee destination balance = %d, want 950000", got)
	}
	if got := f.balance(t, view.EscrowAddress); got != 4_000_000 {
		t.Fatalf("escrow balance = %d, want 4000000", got)
	}
}

func TestRedeemStreamRejectsPayerSignature(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	msg := engine.RedeemStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	_, err := f.service.RedeemStream(context.Background(), view.Address, domain.RedeemStreamRequest{
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payerWallet, msg),
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRedeemStreamRejectsWrongMintDestination(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	otherMintDest := solana.NewWallet().PublicKey().String()
	if _, err := f.repo.EnsureTokenAccount(context.Background(), otherMintDest, solana.NewWallet().PublicKey().String(), f.payeeWallet.PublicKey().String()); err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	msg := engine.RedeemStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	_, err := f.service.RedeemStream(context.Background(), view.Address, domain.RedeemStreamRequest{
		PayeeDestination: otherMintDest,
		Signature:        f.sign(t, f.payeeWallet, msg),
	})
	if !errors.Is(err, engine.ErrAccountMismatch) {
		t.Fatalf("err = %v, want ErrAccountMismatch", err)
	}
}

func TestCancelStreamRefundsRemainder(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 10)
	f.advance(61 * time.Second)

	msg := engine.CancelStreamMessage(solana.MustPublicKeyFromBase58(view.Address))
	res, err := f.service.CancelStream(context.Background(), view.Address, domain.CancelStreamRequest{
		PayerDestination: f.payerDest,
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payerWallet, msg),
	})
	if err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	if res.PayeeAmount != 900_000 || res.FeeAmount != 100_000 || res.RefundAmount != 4_000_000 {
		t.Fatalf("payout=%d fee=%d refund=%d, want 900000/100000/4000000",
			res.PayeeAmount, res.FeeAmount, res.RefundAmount)
	}
	if !res.Terminal {
		t.Fatalf("cancel must be terminal")
	}
	if got := f.balance(t, f.payerDest); got != 4_000_000 {
		t.Fatalf("payer destination balance = %d, want 4000000", got)
	}
	if _, err := f.repo.GetStreamByAddress(context.Background(), view.Address); !errors.Is(err, store.ErrStreamNotFound) {
		t.Fatalf("stream should be closed after cancel, got err=%v", err)
	}
}

func TestReclaimStreamBeforeExpiryFails(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(2 * time.Minute)

	msg := engine.ReclaimStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	_, err := f.service.ReclaimStream(context.Background(), view.Address, domain.ReclaimStreamRequest{
		PayerDestination: f.payerDest,
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payerWallet, msg),
	})
	if !errors.Is(err, engine.ErrStreamNotExpired) {
		t.Fatalf("err = %v, want ErrStreamNotExpired", err)
	}
}

func TestReclaimStreamAfterExpirySettles(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(6 * time.Minute)

	msg := engine.ReclaimStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	res, err := f.service.ReclaimStream(context.Background(), view.Address, domain.ReclaimStreamRequest{
		PayerDestination: f.payerDest,
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payerWallet, msg),
	})
	if err != nil {
		t.Fatalf("reclaiming: %v", err)
	}
	if res.RefundAmount != 0 {
		t.Fatalf("fully vested reclaim refund = %d, want 0", res.RefundAmount)
	}
	if res.PayeeAmount != 4_750_000 || res.FeeAmount != 250_000 {
		t.Fatalf("payout=%d fee=%d, want 4750000/250000", res.PayeeAmount, res.FeeAmount)
	}
}

func TestRedeemRateLimit(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	f.service.SetRedeemRateLimiter(&stubRateLimiter{count: 4}, 3)

	msg := engine.RedeemStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	_, err := f.service.RedeemStream(context.Background(), view.Address, domain.RedeemStreamRequest{
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payeeWallet, msg),
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestRedeemRateLimiterOutageDoesNotBlock(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	f.service.SetRedeemRateLimiter(&stubRateLimiter{err: errors.New("redis down")}, 3)

	msg := engine.RedeemStreamMessage(solana.MustPublicKeyFromBase58(view.Address), 0)
	if _, err := f.service.RedeemStream(context.Background(), view.Address, domain.RedeemStreamRequest{
		PayeeDestination: f.payeeDest,
		Signature:        f.sign(t, f.payeeWallet, msg),
	}); err != nil {
		t.Fatalf("redeem with limiter outage: %v", err)
	}
}

type stubRateLimiter struct {
	count int
	err   error
}

func (s *stubRateLimiter) ConsumeRateLimit(_ context.Context, _, _ string, _ int, _ time.Duration) (int, int, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	return s.count, 30, nil
}

func TestExportStreamAccountRoundTrips(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)

	data, err := f.service.ExportStreamAccount(context.Background(), view.Address)
	if err != nil {
		t.Fatalf("exporting account: %v", err)
	}
	if len(data) != engine.StreamAccountSize {
		t.Fatalf("account data size = %d, want %d", len(data), engine.StreamAccountSize)
	}
	decoded, err := engine.DecodeStream(data)
	if err != nil {
		t.Fatalf("decoding account: %v", err)
	}
	if decoded.Payer.String() != view.Payer || decoded.Amount != uint64(view.Amount) {
		t.Fatalf("decoded record does not match the stored stream")
	}
}

func TestCreditDepositCreatesAccount(t *testing.T) {
	f := newServiceFixture(t)
	account := solana.NewWallet().PublicKey().String()
	err := f.service.CreditDeposit(context.Background(), domain.DepositEvent{
		Account:   account,
		Mint:      f.mint.String(),
		Owner:     f.payerWallet.PublicKey().String(),
		Amount:    250_000,
		Reference: "dep-1",
	})
	if err != nil {
		t.Fatalf("crediting deposit: %v", err)
	}
	if got := f.balance(t, account); got != 250_000 {
		t.Fatalf("balance = %d, want 250000", got)
	}
}

func TestDepositConsumerAckSemantics(t *testing.T) {
	f := newServiceFixture(t)
	consumer := NewDepositConsumer(f.service)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatalf("malformed payload must be acknowledged, not re-queued")
	}

	bad, _ := json.Marshal(domain.DepositEvent{Account: "not-a-key", Mint: f.mint.String(), Owner: f.source, Amount: 10})
	if !consumer.HandleMessage(bad) {
		t.Fatalf("invalid payload must be acknowledged, not re-queued")
	}

	ok, _ := json.Marshal(domain.DepositEvent{
		Account: solana.NewWallet().PublicKey().String(),
		Mint:    f.mint.String(),
		Owner:   f.payerWallet.PublicKey().String(),
		Amount:  42,
	})
	if !consumer.HandleMessage(ok) {
		t.Fatalf("valid deposit must be acknowledged")
	}
}

func TestExpirySweeperPublishesExpiredStreams(t *testing.T) {
	f := newServiceFixture(t)
	f.createStream(t, 5_000_000, 1_000_000, 5, 5)

	sweeper := NewExpirySweeper(f.repo, f.publisher)
	sweeper.now = func() time.Time { return f.clock }

	sweeper.Run(context.Background())
	if len(f.publisher.routingKeys) != 1 {
		t.Fatalf("no expiry event expected before the window closes, got %v", f.publisher.routingKeys)
	}

	f.advance(6 * time.Minute)
	sweeper.Run(context.Background())
	want := []string{"stream.created", "stream.expired"}
	if len(f.publisher.routingKeys) != len(want) {
		t.Fatalf("events = %v, want %v", f.publisher.routingKeys, want)
	}
	for i, key := range want {
		if f.publisher.routingKeys[i] != key {
			t.Fatalf("events = %v, want %v", f.publisher.routingKeys, want)
		}
	}
}

func TestConcurrentSettlementConflict(t *testing.T) {
	f := newServiceFixture(t)
	view := f.createStream(t, 5_000_000, 1_000_000, 5, 5)
	f.advance(65 * time.Second)

	// Simulate another writer advancing the redeemed counter between this
	// caller's read and write.
	stale, err := f.repo.GetStreamByAddress(context.Background(), view.Address)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	f.repo.streams[view.Address].Redeemed = 1_000_000

	err = f.repo.ApplySettlementAtomic(context.Background(), store.ApplySettlementParams{
		StreamAddress:    stale.Address,
		EscrowAddress:    stale.EscrowAddress,
		ExpectedRedeemed: stale.Redeemed,
		NewRedeemed:      1_000_000,
	})
	if !errors.Is(err, store.ErrStreamConflict) {
		t.Fatalf("err = %v, want ErrStreamConflict", err)
	}
}
