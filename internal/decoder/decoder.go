// internal/decoder/decoder.go

// Package decoder maps raw upstream frames to normalized market-data events.
// Decoding is pure: no I/O, no mutable state beyond the dispatch tables
// built once in New.
package decoder

import (
	"errors"
	"time"
)

// FrameKind distinguishes text (JSON) from binary (SBE) frames.
type FrameKind uint8

const (
	FrameText FrameKind = iota
	FrameBinary
)

// RawFrame is one inbound WebSocket frame. It is transient: the Data slice
// is only valid until Decode returns.
type RawFrame struct {
	Kind       FrameKind
	Data       []byte
	ReceivedAt time.Time
}

// Event is a normalized market-data event. All numeric fields carry final
// scaled values; raw mantissas never cross this boundary.
type Event interface {
	EventKind() string
	EventSymbol() string
}

// KindBestBidAsk tags BestBidAsk events. Trade and depth kinds are reserved
// extension points with the same contract.
const KindBestBidAsk = "bestBidAsk"

// BestBidAsk is a best bid/offer update. Immutable once constructed.
type BestBidAsk struct {
	Symbol    string
	EventTime int64 // microseconds since epoch
	UpdateID  int64
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
}

func (BestBidAsk) EventKind() string     { return KindBestBidAsk }
func (e BestBidAsk) EventSymbol() string { return e.Symbol }

// Per-message decode errors. All of them are skip-and-continue for the
// caller: the stream itself stays healthy.
var (
	ErrFrameTooShort     = errors.New("decoder: frame shorter than SBE header")
	ErrUnsupportedSchema = errors.New("decoder: unsupported SBE schema id/version")
	ErrUnknownTemplate   = errors.New("decoder: unknown SBE template id")
	ErrTruncated         = errors.New("decoder: truncated message body")
	ErrUnknownStreamType = errors.New("decoder: unknown JSON stream type")
	ErrMalformedJSON     = errors.New("decoder: malformed JSON payload")
)

type sbeDecodeFunc func(body []byte, blockLength int) (Event, error)
type jsonDecodeFunc func(data []byte, receivedAt time.Time) (Event, error)

// Decoder dispatches frames to per-template / per-stream decode functions.
// The tables are read-only after New, so a single Decoder is safe for
// unsynchronized concurrent use.
type Decoder struct {
	sbeTable  map[uint16]sbeDecodeFunc
	jsonTable map[string]jsonDecodeFunc
}

// New builds the dispatch tables. Adding a stream type means one table
// entry and one decode function here; Connector and Publisher are untouched.
func New() *Decoder {
	return &Decoder{
		sbeTable: map[uint16]sbeDecodeFunc{
			TemplateBestBidAsk: decodeSBEBestBidAsk,
		},
		jsonTable: map[string]jsonDecodeFunc{
			StreamBookTicker: decodeJSONBookTicker,
		},
	}
}

// Decode maps one raw frame to a normalized event or a decode error.
func (d *Decoder) Decode(f RawFrame) (Event, error) {
	if f.Kind == FrameBinary {
		return d.decodeSBE(f)
	}
	return d.decodeJSON(f)
}
