// internal/decoder/json_test.go
package decoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textFrame(data string, at time.Time) RawFrame {
	return RawFrame{Kind: FrameText, Data: []byte(data), ReceivedAt: at}
}

func TestDecodeJSON_CombinedStream(t *testing.T) {
	d := New()
	at := time.UnixMicro(1700000000123456)
	payload := `{"stream":"btcusdt@bookTicker","data":{"u":400900217,"s":"BTCUSDT","b":"65234.12","B":"1.5","a":"65234.98","A":"0.98"}}`

	evt, err := d.Decode(textFrame(payload, at))
	require.NoError(t, err)

	bba, ok := evt.(BestBidAsk)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", bba.Symbol)
	assert.Equal(t, int64(400900217), bba.UpdateID)
	assert.Equal(t, at.UnixMicro(), bba.EventTime)
	assert.Equal(t, 65234.12, bba.BidPrice)
	assert.Equal(t, 1.5, bba.BidQty)
	assert.Equal(t, 65234.98, bba.AskPrice)
	assert.Equal(t, 0.98, bba.AskQty)
}

// Raw bookTicker frames carry no stream name and no "e" tag; the field
// shape alone must route them.
func TestDecodeJSON_UntaggedBookTicker(t *testing.T) {
	d := New()
	payload := `{"u":1,"s":"ETHUSDT","b":"3300.01","B":"2","a":"3300.02","A":"4"}`

	evt, err := d.Decode(textFrame(payload, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", evt.EventSymbol())
	assert.Equal(t, KindBestBidAsk, evt.EventKind())
}

func TestDecodeJSON_UnknownStream(t *testing.T) {
	d := New()
	payload := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT"}}`

	_, err := d.Decode(textFrame(payload, time.Now()))
	require.ErrorIs(t, err, ErrUnknownStreamType)
}

func TestDecodeJSON_Malformed(t *testing.T) {
	d := New()

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{"stream":`},
		{"bad bid price", `{"u":1,"s":"BTCUSDT","b":"oops","B":"1","a":"2","A":"1"}`},
		{"bad ask qty", `{"u":1,"s":"BTCUSDT","b":"1","B":"1","a":"2","A":""}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := d.Decode(textFrame(c.payload, time.Now()))
			require.ErrorIs(t, err, ErrMalformedJSON)
		})
	}
}
