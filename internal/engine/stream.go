/**
 * @description
 * The Stream record: one escrowed vesting schedule between a payer and a
 * payee. All amounts are integers in the asset's smallest unit; the vesting
 * arithmetic is exact-integer throughout, so repeated settlements can never
 * drift from a single settlement at the same instant.
 *
 * @notes
 * - Vesting is floored to whole elapsed minutes. Partial minutes never vest,
 *   which keeps sub-minute timing games worthless.
 * - `Redeemed` is the cumulative gross payout (fee included) and only ever
 *   grows. `Redeemed == Amount` marks the stream settled.
 */

package engine

import (
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

const secondsPerMinute = 60

// Stream is the persistent state of one payment stream.
type Stream struct {
	Payer           solana.PublicKey
	Payee           solana.PublicKey
	Mint            solana.PublicKey
	Amount          uint64
	RatePerMinute   uint64
	StartTime       int64 // unix seconds, fixed at creation
	DurationMinutes uint64
	FeePercentage   uint8
	Redeemed        uint64
	StreamBump      uint8
	EscrowBump      uint8
}

// VestedAmount returns how much of the principal has vested at unix time now.
// Whole elapsed minutes only, clamped to the scheduled duration and capped at
// the principal.
func (s *Stream) VestedAmount(now int64) uint64 {
	if now <= s.StartTime {
		return 0
	}
	elapsed := uint64(now-s.StartTime) / secondsPerMinute
	if elapsed > s.DurationMinutes {
		elapsed = s.DurationMinutes
	}
	hi, lo := bits.Mul64(elapsed, s.RatePerMinute)
	if hi != 0 || lo > s.Amount {
		return s.Amount
	}
	return lo
}

// RedeemableAmount returns the vested-but-unpaid slice at unix time now.
func (s *Stream) RedeemableAmount(now int64) uint64 {
	vested := s.VestedAmount(now)
	if vested <= s.Redeemed {
		return 0
	}
	return vested - s.Redeemed
}

// EscrowBalance is the amount still held in escrow for this stream.
func (s *Stream) EscrowBalance() uint64 {
	return s.Amount - s.Redeemed
}

// Settled reports whether the stream has reached its terminal state.
func (s *Stream) Settled() bool {
	return s.Redeemed >= s.Amount
}

// ExpiresAt is the unix time at which the full duration has elapsed.
func (s *Stream) ExpiresAt() int64 {
	return s.StartTime + int64(s.DurationMinutes)*secondsPerMinute
}

// Expired reports whether the stream has reached or passed its full duration.
func (s *Stream) Expired(now int64) bool {
	return now >= s.ExpiresAt()
}

// feeSplit divides a gross settlement slice into the platform fee and the
// payee's net share: fee = floor(gross * pct / 100). 128-bit intermediate so
// the product cannot wrap.
func feeSplit(gross uint64, pct uint8) (fee, net uint64) {
	hi, lo := bits.Mul64(gross, uint64(pct))
	fee, _ = bits.Div64(hi, lo, 100)
	return fee, gross - fee
}
