/**
 * @description
 * The streaming-escrow state machine. Each handler is a pure function of
 * (current stream state, arguments, current time) and returns the new state
 * plus the ordered value transfers the caller must apply atomically: either
 * every mutation in an operation commits, or none does. The engine keeps no
 * memory between calls.
 *
 * Lifecycle: Create -> Active -(redeem)*-> Active -(cancel | reclaim |
 * redeem that exhausts the principal)-> Settled. No transition leaves
 * Settled.
 *
 * @dependencies
 * - math/bits: overflow-checked integer arithmetic.
 * - github.com/gagliardetto/solana-go: public key type and PDA derivation.
 */

package engine

import (
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

// Transfer kinds, recorded with every value movement.
const (
	TransferFundEscrow = "fund_escrow"
	TransferPayout     = "payout"
	TransferFee        = "fee"
	TransferRefund     = "refund"
)

// Transfer is one atomic balance movement between token accounts.
type Transfer struct {
	Kind   string
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
}

// Settlement is the outcome of a redeem, cancel, or reclaim: the updated
// cumulative redeemed counter, whether the stream is now terminal, and the
// transfers to apply. Zero-amount transfers are omitted.
type Settlement struct {
	PayeeAmount  uint64
	FeeAmount    uint64
	RefundAmount uint64
	NewRedeemed  uint64
	Terminal     bool
	Transfers    []Transfer
}

// Engine evaluates stream operations against a fixed program identity.
type Engine struct {
	programID solana.PublicKey
}

// New returns an engine bound to the given program ID.
func New(programID solana.PublicKey) *Engine {
	return &Engine{programID: programID}
}

// ProgramID returns the program identity addresses are derived under.
func (e *Engine) ProgramID() solana.PublicKey { return e.programID }

// CreateParams are the arguments to CreateStream. Signer is the identity
// that authorized the operation; it must equal Payer. PayerSource is the
// token account the principal is pulled from.
type CreateParams struct {
	Signer          solana.PublicKey
	Payer           solana.PublicKey
	Payee           solana.PublicKey
	Mint            solana.PublicKey
	PayerSource     solana.PublicKey
	Amount          uint64
	RatePerMinute   uint64
	DurationMinutes uint64
	FeePercentage   uint8
}

// CreateStream validates the schedule, derives the stream and escrow
// addresses, and returns the initialized record plus the single funding
// transfer (payer source -> escrow). The caller is responsible for the
// duplicate-stream check against its store and for the payer's balance.
func (e *Engine) CreateStream(p CreateParams, now int64) (*Stream, Addresses, []Transfer, error) {
	if !p.Signer.Equals(p.Payer) {
		return nil, Addresses{}, nil, fmt.Errorf("%w: create must be signed by the payer", ErrUnauthorized)
	}
	if p.Amount == 0 {
		return nil, Addresses{}, nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidParameters)
	}
	if p.RatePerMinute == 0 {
		return nil, Addresses{}, nil, fmt.Errorf("%w: rate must be greater than zero", ErrInvalidParameters)
	}
	if p.DurationMinutes == 0 {
		return nil, Addresses{}, nil, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidParameters)
	}
	if p.FeePercentage > 100 {
		return nil, Addresses{}, nil, fmt.Errorf("%w: fee percentage must be between 0 and 100", ErrInvalidParameters)
	}
	hi, scheduled := bits.Mul64(p.RatePerMinute, p.DurationMinutes)
	if hi != 0 || p.Amount < scheduled {
		return nil, Addresses{}, nil, fmt.Errorf("%w: amount does not cover rate over the full duration", ErrInvalidParameters)
	}

	addrs, err := DeriveAddresses(e.programID, p.Payer, p.Payee)
	if err != nil {
		return nil, Addresses{}, nil, err
	}

	s := &Stream{
		Payer:           p.Payer,
		Payee:           p.Payee,
		Mint:            p.Mint,
		Amount:          p.Amount,
		RatePerMinute:   p.RatePerMinute,
		StartTime:       now,
		DurationMinutes: p.DurationMinutes,
		FeePercentage:   p.FeePercentage,
		Redeemed:        0,
		StreamBump:      addrs.StreamBump,
		EscrowBump:      addrs.EscrowBump,
	}
	funding := []Transfer{{
		Kind:   TransferFundEscrow,
		From:   p.PayerSource,
		To:     addrs.Escrow,
		Amount: p.Amount,
	}}
	return s, addrs, funding, nil
}

// RedeemStream pays out the vested-but-unpaid slice, split between the payee
// destination and the fee destination. Only the payee may redeem.
func (e *Engine) RedeemStream(s *Stream, signer, escrow, payeeDest, feeDest solana.PublicKey, now int64) (*Settlement, error) {
	if !signer.Equals(s.Payee) {
		return nil, fmt.Errorf("%w: redeem must be signed by the payee", ErrUnauthorized)
	}
	redeemable := s.RedeemableAmount(now)
	if redeemable == 0 {
		return nil, ErrNoFundsToRedeem
	}

	fee, net := feeSplit(redeemable, s.FeePercentage)
	out := &Settlement{
		PayeeAmount: net,
		FeeAmount:   fee,
		NewRedeemed: s.Redeemed + redeemable,
	}
	out.Terminal = out.NewRedeemed == s.Amount
	if net > 0 {
		out.Transfers = append(out.Transfers, Transfer{Kind: TransferPayout, From: escrow, To: payeeDest, Amount: net})
	}
	if fee > 0 {
		out.Transfers = append(out.Transfers, Transfer{Kind: TransferFee, From: escrow, To: feeDest, Amount: fee})
	}
	return out, nil
}

// CancelStream force-settles early: the vested-but-unpaid slice goes out
// split by fee exactly as a redemption would, the never-vested remainder
// returns to the payer, and the stream terminates. Only the payer may
// cancel, at any time.
func (e *Engine) CancelStream(s *Stream, signer, escrow, payerDest, payeeDest, feeDest solana.PublicKey, now int64) (*Settlement, error) {
	if !signer.Equals(s.Payer) {
		return nil, fmt.Errorf("%w: cancel must be signed by the payer", ErrUnauthorized)
	}
	return e.settle(s, escrow, payerDest, payeeDest, feeDest, now)
}

// ReclaimStream is the payer's post-expiry settlement: identical to cancel
// except it requires the full duration to have elapsed. A zero remainder
// (everything vested before reclaim was called) settles successfully with a
// zero refund; that is a normal completion, not an error.
func (e *Engine) ReclaimStream(s *Stream, signer, escrow, payerDest, payeeDest, feeDest solana.PublicKey, now int64) (*Settlement, error) {
	if !signer.Equals(s.Payer) {
		return nil, fmt.Errorf("%w: reclaim must be signed by the payer", ErrUnauthorized)
	}
	if !s.Expired(now) {
		return nil, ErrStreamNotExpired
	}
	return e.settle(s, escrow, payerDest, payeeDest, feeDest, now)
}

func (e *Engine) settle(s *Stream, escrow, payerDest, payeeDest, feeDest solana.PublicKey, now int64) (*Settlement, error) {
	if s.Settled() {
		return nil, ErrNoFundsToReclaim
	}

	redeemable := s.RedeemableAmount(now)
	refund := s.EscrowBalance() - redeemable

	fee, net := feeSplit(redeemable, s.FeePercentage)
	out := &Settlement{
		PayeeAmount:  net,
		FeeAmount:    fee,
		RefundAmount: refund,
		NewRedeemed:  s.Amount,
		Terminal:     true,
	}
	if net > 0 {
		out.Transfers = append(out.Transfers, Transfer{Kind: TransferPayout, From: escrow, To: payeeDest, Amount: net})
	}
	if fee > 0 {
		out.Transfers = append(out.Transfers, Transfer{Kind: TransferFee, From: escrow, To: feeDest, Amount: fee})
	}
	if refund > 0 {
		out.Transfers = append(out.Transfers, Transfer{Kind: TransferRefund, From: escrow, To: payerDest, Amount: refund})
	}
	return out, nil
}
