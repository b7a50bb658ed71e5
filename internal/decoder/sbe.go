// internal/decoder/sbe.go

package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// Constants from the Binance SBE stream schema (stream_1_0.xml).
const (
	SchemaID      = 1
	SchemaVersion = 0

	// Template IDs. Trades and depth are future table entries.
	TemplateTrades        = 10000
	TemplateBestBidAsk    = 10001
	TemplateDepthSnapshot = 10002
	TemplateDepthDiff     = 10003
)

// Message header: blockLength(u16) templateId(u16) schemaId(u16) version(u16),
// little-endian.
const sbeHeaderSize = 8

// BestBidAskStreamEvent fixed body, after the header:
//
//	eventTime      int64   8B  (microseconds)
//	bookUpdateId   int64   8B
//	priceExponent  int8    1B
//	qtyExponent    int8    1B
//	bidPrice       int64   8B  (mantissa)
//	bidQty         int64   8B  (mantissa)
//	askPrice       int64   8B  (mantissa)
//	askQty         int64   8B  (mantissa)
//
// followed by a varString8 symbol (u8 length + UTF-8 bytes) located at the
// blockLength offset declared in the header.
const bbaBodySize = 50

func (d *Decoder) decodeSBE(f RawFrame) (Event, error) {
	buf := f.Data
	if len(buf) < sbeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(buf))
	}

	blockLength := binary.LittleEndian.Uint16(buf[0:2])
	templateID := binary.LittleEndian.Uint16(buf[2:4])
	schemaID := binary.LittleEndian.Uint16(buf[4:6])
	version := binary.LittleEndian.Uint16(buf[6:8])

	if schemaID != SchemaID || version != SchemaVersion {
		return nil, fmt.Errorf("%w: schema=%d version=%d", ErrUnsupportedSchema, schemaID, version)
	}

	fn, ok := d.sbeTable[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: template=%d", ErrUnknownTemplate, templateID)
	}
	return fn(buf[sbeHeaderSize:], int(blockLength))
}

func decodeSBEBestBidAsk(body []byte, blockLength int) (Event, error) {
	if len(body) < bbaBodySize {
		return nil, fmt.Errorf("%w: body=%d want>=%d", ErrTruncated, len(body), bbaBodySize)
	}

	eventTime := int64(binary.LittleEndian.Uint64(body[0:8]))
	updateID := int64(binary.LittleEndian.Uint64(body[8:16]))
	priceExp := int8(body[16])
	qtyExp := int8(body[17])
	bidPrice := int64(binary.LittleEndian.Uint64(body[18:26]))
	bidQty := int64(binary.LittleEndian.Uint64(body[26:34]))
	askPrice := int64(binary.LittleEndian.Uint64(body[34:42]))
	askQty := int64(binary.LittleEndian.Uint64(body[42:50]))

	// The symbol var-string sits after the root block declared in the header.
	if blockLength < bbaBodySize {
		blockLength = bbaBodySize
	}
	if len(body) < blockLength+1 {
		return nil, fmt.Errorf("%w: missing symbol length", ErrTruncated)
	}
	symLen := int(body[blockLength])
	if len(body) < blockLength+1+symLen {
		return nil, fmt.Errorf("%w: symbol wants %d bytes", ErrTruncated, symLen)
	}
	symbol := string(body[blockLength+1 : blockLength+1+symLen])

	return BestBidAsk{
		Symbol:    symbol,
		EventTime: eventTime,
		UpdateID:  updateID,
		BidPrice:  scale(bidPrice, priceExp),
		BidQty:    scale(bidQty, qtyExp),
		AskPrice:  scale(askPrice, priceExp),
		AskQty:    scale(askQty, qtyExp),
	}, nil
}

// scale computes mantissa * 10^exp. decimal arithmetic keeps the full int64
// mantissa exact before the single final float64 conversion.
func scale(mantissa int64, exp int8) float64 {
	return decimal.New(mantissa, int32(exp)).InexactFloat64()
}
