package publisher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/types"
)

func TestPublisher_WireRoundTrip(t *testing.T) {
	p := New(ModeDevelopment)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		p.mu.Lock()
		p.listener = ln
		p.mu.Unlock()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.addSubscriber(conn)
		}
	}()
	defer p.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	in := types.Tick{
		Symbol:     "rb2410",
		VtSymbol:   "rb2410.SHFE",
		Datetime:   time.Now().Truncate(time.Second),
		LastPrice:  3712.5,
		Volume:     1200,
		LastVolume: 4,
		BidPrice1:  3712.0,
		AskPrice1:  3713.0,
		BidVolume1: 10,
		AskVolume1: 8,
	}
	require.NoError(t, p.Publish(in))

	topic, payload, err := ReadFrames(conn)
	require.NoError(t, err)
	assert.Equal(t, "rb2410", string(topic))

	out, err := DecodeTick(payload)
	require.NoError(t, err)
	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.VtSymbol, out.VtSymbol)
	assert.Equal(t, in.LastPrice, out.LastPrice)
	assert.Equal(t, in.Volume, out.Volume)
	assert.Equal(t, in.BidPrice1, out.BidPrice1)
	assert.Equal(t, in.AskPrice1, out.AskPrice1)
	assert.False(t, out.ProcessingTime.IsZero())

	_ = ctx
}

func TestPublisher_DropsOnSaturatedSubscriber(t *testing.T) {
	p := New(ModeDevelopment)
	sub := &subscriber{out: make(chan []byte, 1), closeCh: make(chan struct{})}
	p.subscribers[sub] = struct{}{}

	for i := 0; i < 5; i++ {
		_ = p.Publish(types.Tick{Symbol: "x", LastPrice: 1, Volume: 1})
	}
	assert.Greater(t, sub.dropped, int64(0))
}

func TestPublisher_ReconnectWindowCountsAsFailure(t *testing.T) {
	p := New(ModeDevelopment)
	p.NoteTransientError()
	err := p.Publish(types.Tick{Symbol: "x", LastPrice: 1, Volume: 1})
	assert.Error(t, err)
}

func TestGates_Validate(t *testing.T) {
	g := DefaultGates()
	assert.Equal(t, GradeExcellent, g.Validate(0.03, 5000, 99.8))
	assert.Equal(t, GradeGood, g.Validate(0.042, 4200, 99.55))
	assert.Equal(t, GradeAcceptable, g.Validate(0.048, 4500, 99.8))
	assert.Equal(t, GradeFailed, g.Validate(0.06, 4500, 99.8))
}
