// internal/publisher/envelope.go

package publisher

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
)

// Downstream wire envelope: msgType(u8) payloadLen(u16 LE) payload.
const (
	MsgTypeBestBidAsk byte = 0x01
	MsgTypeHeartbeat  byte = 0xFF

	envelopeHeaderSize = 3

	// BEST_BID_ASK payload: eventTime(i64) updateId(i64) bidPrice(f64)
	// bidQty(f64) askPrice(f64) askQty(f64), all little-endian, followed by
	// the UTF-8 symbol.
	bbaFixedSize = 48
)

// heartbeatEnvelope is the constant empty-payload heartbeat frame.
var heartbeatEnvelope = []byte{MsgTypeHeartbeat, 0x00, 0x00}

// EncodeEvent serializes a normalized event into its wire envelope. Each
// event is encoded exactly once per publish; every session receives the
// identical buffer.
func EncodeEvent(evt decoder.Event) ([]byte, error) {
	switch e := evt.(type) {
	case decoder.BestBidAsk:
		return encodeBestBidAsk(e)
	default:
		return nil, fmt.Errorf("publisher: no envelope for event kind %q", evt.EventKind())
	}
}

func encodeBestBidAsk(e decoder.BestBidAsk) ([]byte, error) {
	payloadLen := bbaFixedSize + len(e.Symbol)
	if payloadLen > math.MaxUint16 {
		return nil, fmt.Errorf("publisher: symbol %q overflows envelope", e.Symbol)
	}

	buf := make([]byte, envelopeHeaderSize+payloadLen)
	buf[0] = MsgTypeBestBidAsk
	binary.LittleEndian.PutUint16(buf[1:3], uint16(payloadLen))

	p := buf[envelopeHeaderSize:]
	binary.LittleEndian.PutUint64(p[0:8], uint64(e.EventTime))
	binary.LittleEndian.PutUint64(p[8:16], uint64(e.UpdateID))
	binary.LittleEndian.PutUint64(p[16:24], math.Float64bits(e.BidPrice))
	binary.LittleEndian.PutUint64(p[24:32], math.Float64bits(e.BidQty))
	binary.LittleEndian.PutUint64(p[32:40], math.Float64bits(e.AskPrice))
	binary.LittleEndian.PutUint64(p[40:48], math.Float64bits(e.AskQty))
	copy(p[bbaFixedSize:], e.Symbol)

	return buf, nil
}

// Envelope is one decoded downstream frame.
type Envelope struct {
	Type    byte
	Payload []byte
}

// ReadEnvelope reads exactly one envelope from r. It is the reference
// reader for downstream consumers.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var hdr [envelopeHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	payloadLen := binary.LittleEndian.Uint16(hdr[1:3])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("publisher: short payload: %w", err)
	}
	return Envelope{Type: hdr[0], Payload: payload}, nil
}

// DecodeBestBidAsk parses a BEST_BID_ASK payload back into the event.
func DecodeBestBidAsk(payload []byte) (decoder.BestBidAsk, error) {
	if len(payload) < bbaFixedSize {
		return decoder.BestBidAsk{}, fmt.Errorf("publisher: payload %d bytes, want >= %d", len(payload), bbaFixedSize)
	}
	return decoder.BestBidAsk{
		EventTime: int64(binary.LittleEndian.Uint64(payload[0:8])),
		UpdateID:  int64(binary.LittleEndian.Uint64(payload[8:16])),
		BidPrice:  math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24])),
		BidQty:    math.Float64frombits(binary.LittleEndian.Uint64(payload[24:32])),
		AskPrice:  math.Float64frombits(binary.LittleEndian.Uint64(payload[32:40])),
		AskQty:    math.Float64frombits(binary.LittleEndian.Uint64(payload[40:48])),
		Symbol:    string(payload[bbaFixedSize:]),
	}, nil
}
