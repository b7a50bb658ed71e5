// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

type captureSink struct {
	events []decoder.Event
	err    error
}

func (s *captureSink) Publish(evt decoder.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	require.NoError(t, err)
	return log
}

func bookTickerFrame(symbol string, updateID int64) decoder.RawFrame {
	payload := fmt.Sprintf(`{"u":%d,"s":"%s","b":"100.5","B":"1","a":"100.6","A":"2"}`, updateID, symbol)
	return decoder.RawFrame{Kind: decoder.FrameText, Data: []byte(payload), ReceivedAt: time.Now()}
}

func TestRun_PublishesInOrder(t *testing.T) {
	frames := make(chan decoder.RawFrame, 8)
	for i := 0; i < 5; i++ {
		frames <- bookTickerFrame("BTCUSDT", int64(i))
	}
	close(frames)

	sink := &captureSink{}
	err := Run(context.Background(), frames, decoder.New(), sink, testLogger(t))
	require.NoError(t, err)

	require.Len(t, sink.events, 5)
	for i, evt := range sink.events {
		bba := evt.(decoder.BestBidAsk)
		assert.Equal(t, int64(i), bba.UpdateID)
		assert.Equal(t, "BTCUSDT", bba.Symbol)
	}
}

// Malformed frames are skipped; the frames around them still flow.
func TestRun_SkipsDecodeErrors(t *testing.T) {
	frames := make(chan decoder.RawFrame, 8)
	frames <- bookTickerFrame("BTCUSDT", 1)
	frames <- decoder.RawFrame{Kind: decoder.FrameText, Data: []byte(`{broken`), ReceivedAt: time.Now()}
	frames <- decoder.RawFrame{Kind: decoder.FrameBinary, Data: []byte{0x01}, ReceivedAt: time.Now()}
	frames <- bookTickerFrame("ETHUSDT", 2)
	close(frames)

	sink := &captureSink{}
	err := Run(context.Background(), frames, decoder.New(), sink, testLogger(t))
	require.NoError(t, err)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "BTCUSDT", sink.events[0].EventSymbol())
	assert.Equal(t, "ETHUSDT", sink.events[1].EventSymbol())
}

// A sink failure drops that one event only.
func TestRun_SinkErrorDoesNotStop(t *testing.T) {
	frames := make(chan decoder.RawFrame, 4)
	frames <- bookTickerFrame("BTCUSDT", 1)
	frames <- bookTickerFrame("BTCUSDT", 2)
	close(frames)

	sink := &captureSink{err: errors.New("downstream down")}
	err := Run(context.Background(), frames, decoder.New(), sink, testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, sink.events)
}

// Frames buffered before shutdown are still processed once the channel
// closes.
func TestRun_DrainsOnClose(t *testing.T) {
	frames := make(chan decoder.RawFrame, 16)
	for i := 0; i < 10; i++ {
		frames <- bookTickerFrame("BTCUSDT", int64(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	close(frames)

	sink := &captureSink{}
	err := Run(ctx, frames, decoder.New(), sink, testLogger(t))
	require.NoError(t, err)
	assert.Len(t, sink.events, 10)
}
