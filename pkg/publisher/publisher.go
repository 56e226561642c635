// Package publisher implements the Tick Publisher: a topic-keyed,
// best-effort fan-out of normalized tick records to downstream TCP
// subscribers, with per-socket backpressure and performance gates.
package publisher

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/types"
)

// reconnectWindow is the transient-error grace period (§4.6): publishes
// during this window are counted as failures without blocking upstream
// tick flow.
const reconnectWindow = 5 * time.Second

// wireTick is the frame-2 payload, matching §6.1's field table exactly.
type wireTick struct {
	Symbol         string  `msgpack:"symbol"`
	Datetime       string  `msgpack:"datetime"`
	LastPrice      float64 `msgpack:"last_price"`
	Volume         int64   `msgpack:"volume"`
	LastVolume     int64   `msgpack:"last_volume,omitempty"`
	BidPrice1      float64 `msgpack:"bid_price_1,omitempty"`
	AskPrice1      float64 `msgpack:"ask_price_1,omitempty"`
	BidVolume1     int64   `msgpack:"bid_volume_1,omitempty"`
	AskVolume1     int64   `msgpack:"ask_volume_1,omitempty"`
	VtSymbol       string  `msgpack:"vt_symbol,omitempty"`
	ProcessingTime string  `msgpack:"processing_time"`
}

func toWire(t types.Tick) wireTick {
	return wireTick{
		Symbol:         t.Symbol,
		Datetime:       t.Datetime.UTC().Format(time.RFC3339Nano),
		LastPrice:      t.LastPrice,
		Volume:         t.Volume,
		LastVolume:     t.LastVolume,
		BidPrice1:      t.BidPrice1,
		AskPrice1:      t.AskPrice1,
		BidVolume1:     t.BidVolume1,
		AskVolume1:     t.AskVolume1,
		VtSymbol:       t.VtSymbol,
		ProcessingTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type subscriber struct {
	conn    net.Conn
	out     chan []byte
	closeCh chan struct{}
	dropped int64
}

// Publisher is the Tick Publisher component: a TCP listener that fans
// out length-prefixed two-frame messages to every connected subscriber.
type Publisher struct {
	cfg   PerformanceConfig
	gates Gates
	log   zerolog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	listener    net.Listener

	window *latencyWindow

	reconnectUntil time.Time

	wg sync.WaitGroup
}

// New builds a Publisher for the given performance mode.
func New(mode Mode) *Publisher {
	cfg, ok := Presets[mode]
	if !ok {
		cfg = Presets[ModeProduction]
	}
	return &Publisher{
		cfg:         cfg,
		gates:       DefaultGates(),
		log:         log.WithComponent("publisher"),
		subscribers: make(map[*subscriber]struct{}),
		window:      newLatencyWindow(),
	}
}

// Serve starts accepting subscriber connections on addr. It blocks
// until ctx is cancelled or the listener fails.
func (p *Publisher) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.KindInitFailed, "tick publisher listen failed", err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				p.wg.Wait()
				return nil
			default:
				return types.WrapError(types.KindNetworkUnreachable, "tick publisher accept failed", err)
			}
		}
		p.addSubscriber(conn)
	}
}

func (p *Publisher) addSubscriber(conn net.Conn) {
	sub := &subscriber{
		conn:    conn,
		out:     make(chan []byte, p.cfg.HighWaterMark),
		closeCh: make(chan struct{}),
	}
	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.writeLoop(sub)
}

func (p *Publisher) writeLoop(sub *subscriber) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.subscribers, sub)
		p.mu.Unlock()
		sub.conn.Close()
	}()

	w := bufio.NewWriter(sub.conn)
	for {
		select {
		case frame, ok := <-sub.out:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-sub.closeCh:
			return
		}
	}
}

// Publish encodes and fans out one tick to every connected subscriber.
// It is non-blocking: a subscriber whose outbound queue is saturated
// has the message dropped and its counter bumped, never the producer.
func (p *Publisher) Publish(t types.Tick) error {
	if p.inReconnectWindow() {
		p.window.record(0, false)
		return types.NewError(types.KindNetworkUnreachable, "tick publisher in reconnection window")
	}

	timer := metrics.NewTimer()
	start := time.Now()
	payload, err := msgpack.Marshal(toWire(t))
	if err != nil {
		p.window.record(time.Since(start), false)
		timer.ObserveDuration(metrics.PublisherSerializationLatency)
		return types.WrapError(types.KindInternal, "tick serialization failed", err)
	}
	frame := encodeFrames([]byte(t.Symbol), payload)
	p.window.record(time.Since(start), true)
	timer.ObserveDuration(metrics.PublisherSerializationLatency)
	metrics.PublisherTicksPublishedTotal.Inc()

	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subscribers))
	for s := range p.subscribers {
		targets = append(targets, s)
	}
	p.mu.Unlock()

	for _, s := range targets {
		select {
		case s.out <- frame:
		default:
			s.dropped++
			metrics.PublisherTicksDroppedTotal.Inc()
		}
	}
	return nil
}

func (p *Publisher) inReconnectWindow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.reconnectUntil)
}

// NoteTransientError opens a reconnection window during which publishes
// are counted as failures, per §4.6's failure semantics.
func (p *Publisher) NoteTransientError() {
	p.mu.Lock()
	p.reconnectUntil = time.Now().Add(reconnectWindow)
	p.mu.Unlock()
}

// Snapshot returns the sliding-window latency percentiles together with
// the publish rate and success rate since the publisher was created.
func (p *Publisher) Snapshot() Snapshot {
	return p.window.snapshot()
}

// SubscriberCount returns the number of currently connected subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Grade returns the current performance-gate verdict for the snapshot.
func (p *Publisher) Grade() Grade {
	s := p.window.snapshot()
	return p.gates.Validate(s.P95Ms, s.Rate, s.SuccessRate)
}

// Close stops accepting connections and tears down every subscriber.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	for s := range p.subscribers {
		close(s.closeCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func encodeFrames(topic, payload []byte) []byte {
	buf := make([]byte, 0, 4+len(topic)+4+len(payload))
	buf = appendUint32(buf, uint32(len(topic)))
	buf = append(buf, topic...)
	buf = appendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// ReadFrames reads one length-prefixed two-frame message from r, as
// written by encodeFrames. Used by subscriber-side test doubles.
func ReadFrames(r io.Reader) (topic, payload []byte, err error) {
	topic, err = readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err = readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	return topic, payload, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeTick unmarshals a frame-2 payload back into a Tick, for test
// round-trips (invariant 7).
func DecodeTick(payload []byte) (types.Tick, error) {
	var w wireTick
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return types.Tick{}, err
	}
	dt, _ := time.Parse(time.RFC3339Nano, w.Datetime)
	pt, _ := time.Parse(time.RFC3339Nano, w.ProcessingTime)
	return types.Tick{
		Symbol:         w.Symbol,
		VtSymbol:       w.VtSymbol,
		Datetime:       dt,
		LastPrice:      w.LastPrice,
		Volume:         w.Volume,
		LastVolume:     w.LastVolume,
		BidPrice1:      w.BidPrice1,
		AskPrice1:      w.AskPrice1,
		BidVolume1:     w.BidVolume1,
		AskVolume1:     w.AskVolume1,
		ProcessingTime: pt,
	}, nil
}
