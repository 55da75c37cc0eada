package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestEncodeStreamLayout(t *testing.T) {
	s := &Stream{
		Payer:           solana.NewWallet().PublicKey(),
		Payee:           solana.NewWallet().PublicKey(),
		Mint:            solana.NewWallet().PublicKey(),
		Amount:          10_000_000,
		RatePerMinute:   1_000_000,
		StartTime:       1_700_000_000,
		DurationMinutes: 10,
		FeePercentage:   5,
		Redeemed:        2_000_000,
		StreamBump:      254,
		EscrowBump:      253,
	}

	data := EncodeStream(s)
	if len(data) != StreamAccountSize {
		t.Fatalf("expected %d bytes, got %d", StreamAccountSize, len(data))
	}

	wantTag := sha256.Sum256([]byte("account:Stream"))
	if !bytes.Equal(data[:8], wantTag[:8]) {
		t.Fatalf("account tag mismatch: got %x want %x", data[:8], wantTag[:8])
	}

	// Fixed offsets: 8 tag, 32 payer, 32 payee, 32 mint, then the LE fields.
	if !bytes.Equal(data[8:40], s.Payer.Bytes()) {
		t.Fatal("payer bytes not at offset 8")
	}
	if !bytes.Equal(data[72:104], s.Mint.Bytes()) {
		t.Fatal("mint bytes not at offset 72")
	}
	if got := binary.LittleEndian.Uint64(data[104:]); got != s.Amount {
		t.Fatalf("amount at offset 104: got %d want %d", got, s.Amount)
	}
	if got := int64(binary.LittleEndian.Uint64(data[120:])); got != s.StartTime {
		t.Fatalf("start_time at offset 120: got %d want %d", got, s.StartTime)
	}
	if data[136] != s.FeePercentage {
		t.Fatalf("fee_percentage at offset 136: got %d want %d", data[136], s.FeePercentage)
	}
	if got := binary.LittleEndian.Uint64(data[137:]); got != s.Redeemed {
		t.Fatalf("redeemed at offset 137: got %d want %d", got, s.Redeemed)
	}
	if data[145] != s.StreamBump || data[146] != s.EscrowBump {
		t.Fatal("bump bytes not at tail")
	}
}

func TestDecodeStreamRoundTrip(t *testing.T) {
	s := &Stream{
		Payer:           solana.NewWallet().PublicKey(),
		Payee:           solana.NewWallet().PublicKey(),
		Mint:            solana.NewWallet().PublicKey(),
		Amount:          5_000_000,
		RatePerMinute:   1_000_000,
		StartTime:       1_700_000_123,
		DurationMinutes: 5,
		FeePercentage:   10,
		Redeemed:        1_000_000,
		StreamBump:      255,
		EscrowBump:      251,
	}

	decoded, err := DecodeStream(EncodeStream(s))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *decoded != *s {
		t.Fatalf("round trip diverged:\n got %+v\nwant %+v", decoded, s)
	}
}

func TestDecodeStreamRejectsWrongTag(t *testing.T) {
	data := make([]byte, StreamAccountSize)
	if _, err := DecodeStream(data); err == nil {
		t.Fatal("expected error for zeroed tag")
	}
	if _, err := DecodeStream(data[:20]); err == nil {
		t.Fatal("expected error for truncated data")
	}
}

func TestInstructionMessagesAreDomainSeparated(t *testing.T) {
	stream := solana.NewWallet().PublicKey()

	redeem := RedeemStreamMessage(stream, 0)
	reclaim := ReclaimStreamMessage(stream, 0)
	cancel := CancelStreamMessage(stream)

	if bytes.Equal(redeem[:8], reclaim[:8]) || bytes.Equal(redeem[:8], cancel[:8]) {
		t.Fatal("instruction tags must differ per operation")
	}

	wantRedeemTag := sha256.Sum256([]byte("global:redeem_stream"))
	if !bytes.Equal(redeem[:8], wantRedeemTag[:8]) {
		t.Fatalf("redeem tag mismatch: got %x want %x", redeem[:8], wantRedeemTag[:8])
	}

	// The legacy seed argument changes the bytes but is semantically ignored.
	if bytes.Equal(RedeemStreamMessage(stream, 1), redeem) {
		t.Fatal("seed must be part of the encoded message")
	}
}

func TestCreateStreamMessageBindsStreamAddress(t *testing.T) {
	a := CreateStreamMessage(solana.NewWallet().PublicKey(), 1, 1, 1, 0)
	b := CreateStreamMessage(solana.NewWallet().PublicKey(), 1, 1, 1, 0)
	if bytes.Equal(a, b) {
		t.Fatal("messages for different streams must differ")
	}
}
