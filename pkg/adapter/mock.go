package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/mdhub/pkg/types"
)

// MockFactory builds MockDrivers. It is wired in place of a real
// protocol Factory for local development and for tests that need a
// gateway lifecycle without a broker connection.
type MockFactory struct {
	// TickInterval controls how often a connected MockDriver
	// synthesizes a tick for each subscribed symbol. Zero disables
	// synthetic ticks (useful for deterministic tests that drive
	// the driver manually via Emit helpers).
	TickInterval time.Duration
}

func (f *MockFactory) NewDriver(protocol types.Protocol, name string) Driver {
	return &MockDriver{
		protocol:     protocol,
		name:         name,
		tickInterval: f.TickInterval,
		subs:         make(map[string]bool),
	}
}

// MockDriver is a Broker Adapter implementation that never touches a
// real gateway process. Connect always succeeds after a short
// simulated delay; subscribed symbols tick on a timer.
type MockDriver struct {
	protocol     types.Protocol
	name         string
	tickInterval time.Duration

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
	stopCh chan struct{}
	onConn ConnCallback
	onTick TickCallback
	onLog  LogCallback
}

func (d *MockDriver) OnConn(cb ConnCallback) { d.mu.Lock(); d.onConn = cb; d.mu.Unlock() }
func (d *MockDriver) OnTick(cb TickCallback) { d.mu.Lock(); d.onTick = cb; d.mu.Unlock() }
func (d *MockDriver) OnLog(cb LogCallback)   { d.mu.Lock(); d.onLog = cb; d.mu.Unlock() }

func (d *MockDriver) Connect(settings map[string]string) error {
	d.mu.Lock()
	d.stopCh = make(chan struct{})
	conn := d.onConn
	logf := d.onLog
	d.mu.Unlock()

	if conn != nil {
		conn(types.ConnStateConnecting)
	}
	if logf != nil {
		logf("info", fmt.Sprintf("mock driver %s connecting", d.name))
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		d.mu.Lock()
		conn := d.onConn
		logf := d.onLog
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		if conn != nil {
			conn(types.ConnStateConnected)
		}
		if logf != nil {
			logf("info", fmt.Sprintf("mock driver %s connected", d.name))
		}
		if d.tickInterval > 0 {
			go d.tickLoop()
		}
	}()
	return nil
}

func (d *MockDriver) tickLoop() {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.emitTicks()
		case <-d.stopCh:
			return
		}
	}
}

func (d *MockDriver) emitTicks() {
	d.mu.Lock()
	onTick := d.onTick
	symbols := make([]string, 0, len(d.subs))
	for s := range d.subs {
		symbols = append(symbols, s)
	}
	d.mu.Unlock()

	if onTick == nil {
		return
	}
	now := time.Now()
	for _, s := range symbols {
		onTick(types.Tick{
			Symbol:         s,
			VtSymbol:       s,
			Datetime:       now,
			LastPrice:      100.0,
			Volume:         1,
			ProcessingTime: now,
		})
	}
}

func (d *MockDriver) Subscribe(symbol, exchange string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[symbol] = true
	return nil
}

func (d *MockDriver) Unsubscribe(symbol, exchange string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, symbol)
	return nil
}

func (d *MockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.stopCh != nil {
		close(d.stopCh)
	}
	return nil
}

// Emit lets a test push a synthetic tick directly, bypassing the
// timer.
func (d *MockDriver) Emit(tick types.Tick) {
	d.mu.Lock()
	onTick := d.onTick
	d.mu.Unlock()
	if onTick != nil {
		onTick(tick)
	}
}
