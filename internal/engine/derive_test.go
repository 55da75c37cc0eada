package engine

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestDeriveAddressesIsDeterministic(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()

	a, err := DeriveAddresses(DefaultProgramID, payer, payee)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	b, err := DeriveAddresses(DefaultProgramID, payer, payee)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	if !a.Stream.Equals(b.Stream) || !a.Escrow.Equals(b.Escrow) {
		t.Fatal("same inputs must derive the same addresses")
	}
	if a.StreamBump != b.StreamBump || a.EscrowBump != b.EscrowBump {
		t.Fatal("same inputs must derive the same bumps")
	}
	if a.Stream.Equals(a.Escrow) {
		t.Fatal("stream and escrow labels must separate the address spaces")
	}
}

func TestDeriveAddressesOrderMatters(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()

	forward, err := DeriveAddresses(DefaultProgramID, payer, payee)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	reverse, err := DeriveAddresses(DefaultProgramID, payee, payer)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	if forward.Stream.Equals(reverse.Stream) {
		t.Fatal("the (payer, payee) pair is ordered; swapping it must change the address")
	}
}

func TestStoredBumpsRecreateDerivedAddresses(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	payee := solana.NewWallet().PublicKey()

	addrs, err := DeriveAddresses(DefaultProgramID, payer, payee)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}

	recreated, err := solana.CreateProgramAddress(
		[][]byte{[]byte(streamSeedLabel), payer.Bytes(), payee.Bytes(), {addrs.StreamBump}},
		DefaultProgramID,
	)
	if err != nil {
		t.Fatalf("create-with-bump failed: %v", err)
	}
	if !recreated.Equals(addrs.Stream) {
		t.Fatal("stored bump must recreate the found address bit-for-bit")
	}
}
