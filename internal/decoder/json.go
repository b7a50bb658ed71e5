// internal/decoder/json.go

package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StreamBookTicker is the JSON stream type carrying best bid/ask updates.
const StreamBookTicker = "bookTicker"

func (d *Decoder) decodeJSON(f RawFrame) (Event, error) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(f.Data, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	// Combined-stream frames declare "<symbol>@<type>"; raw frames carry the
	// event type in "e"; bookTicker raw frames carry neither tag.
	data := wrapper.Data
	if data == nil {
		data = f.Data
	}
	streamType := wrapper.Stream
	if i := strings.IndexByte(streamType, '@'); i >= 0 {
		streamType = streamType[i+1:]
	}
	if streamType == "" {
		var meta struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(data, &meta); err == nil {
			streamType = meta.Event
		}
	}
	if streamType == "" && looksLikeBookTicker(data) {
		streamType = StreamBookTicker
	}

	fn, ok := d.jsonTable[streamType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStreamType, streamType)
	}
	return fn(data, f.ReceivedAt)
}

// looksLikeBookTicker detects the untagged bookTicker payload by its
// mandatory short fields.
func looksLikeBookTicker(data []byte) bool {
	var probe struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Symbol != "" && probe.Bid != "" && probe.Ask != ""
}

func decodeJSONBookTicker(data []byte, receivedAt time.Time) (Event, error) {
	var raw struct {
		UpdateID int64  `json:"u"`
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		BidQty   string `json:"B"`
		AskPrice string `json:"a"`
		AskQty   string `json:"A"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	bidPrice, err := strconv.ParseFloat(raw.BidPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bid price %q", ErrMalformedJSON, raw.BidPrice)
	}
	bidQty, err := strconv.ParseFloat(raw.BidQty, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bid qty %q", ErrMalformedJSON, raw.BidQty)
	}
	askPrice, err := strconv.ParseFloat(raw.AskPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: ask price %q", ErrMalformedJSON, raw.AskPrice)
	}
	askQty, err := strconv.ParseFloat(raw.AskQty, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: ask qty %q", ErrMalformedJSON, raw.AskQty)
	}

	// bookTicker carries no exchange event time; stamp frame arrival so
	// consumers always see a non-zero monotone timestamp.
	return BestBidAsk{
		Symbol:    raw.Symbol,
		EventTime: receivedAt.UnixMicro(),
		UpdateID:  raw.UpdateID,
		BidPrice:  bidPrice,
		BidQty:    bidQty,
		AskPrice:  askPrice,
		AskQty:    askQty,
	}, nil
}
