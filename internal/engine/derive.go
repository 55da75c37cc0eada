/**
 * @description
 * Deterministic address derivation for the stream record and its escrow
 * holding account. Both addresses are program-derived: hashed off-curve from
 * a fixed ASCII label plus the payer and payee keys, so nobody holds a
 * private key for them and only engine logic can move escrowed funds.
 *
 * The escrow account is its own authority; there is no separate
 * escrow-authority address in the canonical scheme, and the mint is not part
 * of the seeds, so there is one live stream per (payer, payee) pair.
 */

package engine

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed labels. These are wire-level constants; changing them breaks every
// previously derived address.
const (
	streamSeedLabel = "stream"
	escrowSeedLabel = "escrow"
)

// DefaultProgramID is the deployed streaming-payments program this engine is
// compatible with.
var DefaultProgramID = solana.MustPublicKeyFromBase58("RMTdcrr5L5M32zBy86nQRghzfcBWVLQZ5AzFwiwsL62")

// Addresses bundles the derived addresses and bump seeds for one stream.
type Addresses struct {
	Stream     solana.PublicKey
	Escrow     solana.PublicKey
	StreamBump uint8
	EscrowBump uint8
}

// DeriveAddresses computes the stream and escrow addresses for a
// (payer, payee) pair under the given program.
func DeriveAddresses(programID, payer, payee solana.PublicKey) (Addresses, error) {
	streamAddr, streamBump, err := solana.FindProgramAddress(
		[][]byte{[]byte(streamSeedLabel), payer.Bytes(), payee.Bytes()},
		programID,
	)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive stream address: %w", err)
	}
	escrowAddr, escrowBump, err := solana.FindProgramAddress(
		[][]byte{[]byte(escrowSeedLabel), payer.Bytes(), payee.Bytes()},
		programID,
	)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive escrow address: %w", err)
	}
	return Addresses{
		Stream:     streamAddr,
		Escrow:     escrowAddr,
		StreamBump: streamBump,
		EscrowBump: escrowBump,
	}, nil
}

// VerifyAccounts checks that the supplied stream and escrow addresses are
// exactly the ones the stream's stored identities and bumps derive to. The
// stored bumps are authoritative; they are never recomputed differently
// after creation.
func (e *Engine) VerifyAccounts(s *Stream, streamAddr, escrowAddr solana.PublicKey) error {
	derivedStream, err := solana.CreateProgramAddress(
		[][]byte{[]byte(streamSeedLabel), s.Payer.Bytes(), s.Payee.Bytes(), {s.StreamBump}},
		e.programID,
	)
	if err != nil || !derivedStream.Equals(streamAddr) {
		return fmt.Errorf("%w: stream account %s", ErrAccountMismatch, streamAddr)
	}
	derivedEscrow, err := solana.CreateProgramAddress(
		[][]byte{[]byte(escrowSeedLabel), s.Payer.Bytes(), s.Payee.Bytes(), {s.EscrowBump}},
		e.programID,
	)
	if err != nil || !derivedEscrow.Equals(escrowAddr) {
		return fmt.Errorf("%w: escrow account %s", ErrAccountMismatch, escrowAddr)
	}
	return nil
}
