/**
 * @description
 * Typed failure signals for the streaming-escrow engine. Every precondition
 * violation aborts the whole operation; callers match on these sentinels to
 * render actionable messages (e.g. "nothing to redeem yet" vs. "not your
 * stream") and to decide retry behaviour.
 */

package engine

import "errors"

var (
	// ErrInvalidParameters covers malformed or out-of-range instruction
	// arguments at creation time (zero amount, zero rate, zero duration,
	// fee percentage above 100, underfunded schedule).
	ErrInvalidParameters = errors.New("invalid stream parameters")

	// ErrInsufficientFunds means the payer's source account cannot cover the
	// stream principal.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateStream means a live stream already occupies the derived
	// address for this (payer, payee) pair.
	ErrDuplicateStream = errors.New("active stream already exists for this payer and payee")

	// ErrNoFundsToRedeem means nothing has vested beyond what was already
	// paid out.
	ErrNoFundsToRedeem = errors.New("no funds available to redeem")

	// ErrStreamNotExpired means reclaim was attempted before the stream
	// reached its full duration.
	ErrStreamNotExpired = errors.New("stream has not expired yet")

	// ErrNoFundsToReclaim means the stream holds nothing at all to settle.
	// A zero payer refund with outstanding vested funds is NOT this error;
	// that case settles normally with a zero refund.
	ErrNoFundsToReclaim = errors.New("no funds available to reclaim")

	// ErrUnauthorized means the signer is not the party the operation
	// requires (payee for redeem, payer for cancel/reclaim).
	ErrUnauthorized = errors.New("signer is not authorized for this operation")

	// ErrAccountMismatch means a supplied account does not match the address
	// the stream's stored identities and bumps deterministically require.
	ErrAccountMismatch = errors.New("account does not match derived address")
)
