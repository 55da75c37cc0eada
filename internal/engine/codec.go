/**
 * @description
 * Binary codec for the stream account record and the instruction messages.
 * The layout is wire-compatible with the on-chain account data: an 8-byte
 * type tag (first 8 bytes of sha256("account:Stream")), the fixed field
 * sequence with all multi-byte integers little-endian, then the two bump
 * bytes. Instruction messages use the same convention with
 * sha256("global:<instruction_name>") tags; they double as the canonical
 * byte strings that operation signatures are taken over.
 */

package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// StreamAccountSize is the full encoded size of a stream record:
// 8 tag + 3*32 keys + 4*8 u64/i64 + 1 fee + 8 redeemed + 2 bumps.
const StreamAccountSize = 8 + 3*32 + 4*8 + 1 + 8 + 2

func tag(name string) [8]byte {
	sum := sha256.Sum256([]byte(name))
	var t [8]byte
	copy(t[:], sum[:8])
	return t
}

var (
	streamAccountTag = tag("account:Stream")

	createStreamTag  = tag("global:create_stream")
	redeemStreamTag  = tag("global:redeem_stream")
	cancelStreamTag  = tag("global:cancel_stream")
	reclaimStreamTag = tag("global:reclaim_stream")
)

// EncodeStream serializes a stream record into its account-data layout.
func EncodeStream(s *Stream) []byte {
	buf := make([]byte, 0, StreamAccountSize)
	buf = append(buf, streamAccountTag[:]...)
	buf = append(buf, s.Payer.Bytes()...)
	buf = append(buf, s.Payee.Bytes()...)
	buf = append(buf, s.Mint.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, s.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, s.RatePerMinute)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.StartTime))
	buf = binary.LittleEndian.AppendUint64(buf, s.DurationMinutes)
	buf = append(buf, s.FeePercentage)
	buf = binary.LittleEndian.AppendUint64(buf, s.Redeemed)
	buf = append(buf, s.StreamBump, s.EscrowBump)
	return buf
}

// DecodeStream parses account data produced by EncodeStream (or by the
// on-chain program).
func DecodeStream(data []byte) (*Stream, error) {
	if len(data) < StreamAccountSize {
		return nil, fmt.Errorf("stream account data too short: %d bytes", len(data))
	}
	if [8]byte(data[:8]) != streamAccountTag {
		return nil, fmt.Errorf("not a stream account: tag %x", data[:8])
	}
	var s Stream
	off := 8
	s.Payer = solana.PublicKeyFromBytes(data[off : off+32])
	off += 32
	s.Payee = solana.PublicKeyFromBytes(data[off : off+32])
	off += 32
	s.Mint = solana.PublicKeyFromBytes(data[off : off+32])
	off += 32
	s.Amount = binary.LittleEndian.Uint64(data[off:])
	off += 8
	s.RatePerMinute = binary.LittleEndian.Uint64(data[off:])
	off += 8
	s.StartTime = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	s.DurationMinutes = binary.LittleEndian.Uint64(data[off:])
	off += 8
	s.FeePercentage = data[off]
	off++
	s.Redeemed = binary.LittleEndian.Uint64(data[off:])
	off += 8
	s.StreamBump = data[off]
	s.EscrowBump = data[off+1]
	return &s, nil
}

// CreateStreamMessage is the canonical signing message for stream creation:
// instruction tag, the derived stream address, then the raw arguments.
func CreateStreamMessage(stream solana.PublicKey, amount, ratePerMinute, durationMinutes uint64, feePercentage uint8) []byte {
	buf := make([]byte, 0, 8+32+3*8+1)
	buf = append(buf, createStreamTag[:]...)
	buf = append(buf, stream.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, amount)
	buf = binary.LittleEndian.AppendUint64(buf, ratePerMinute)
	buf = binary.LittleEndian.AppendUint64(buf, durationMinutes)
	buf = append(buf, feePercentage)
	return buf
}

// RedeemStreamMessage is the canonical signing message for redemption. The
// seed argument is a legacy placeholder carried for compatibility with older
// clients; the engine ignores its value.
func RedeemStreamMessage(stream solana.PublicKey, seed uint64) []byte {
	return opMessage(redeemStreamTag, stream, seed)
}

// CancelStreamMessage is the canonical signing message for cancellation.
func CancelStreamMessage(stream solana.PublicKey) []byte {
	buf := make([]byte, 0, 8+32)
	buf = append(buf, cancelStreamTag[:]...)
	buf = append(buf, stream.Bytes()...)
	return buf
}

// ReclaimStreamMessage is the canonical signing message for reclamation.
// Like redeem, the seed is a legacy placeholder.
func ReclaimStreamMessage(stream solana.PublicKey, seed uint64) []byte {
	return opMessage(reclaimStreamTag, stream, seed)
}

func opMessage(t [8]byte, stream solana.PublicKey, seed uint64) []byte {
	buf := make([]byte, 0, 8+32+8)
	buf = append(buf, t[:]...)
	buf = append(buf, stream.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, seed)
	return buf
}
