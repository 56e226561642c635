// Package tradinghours declares the Trading-hours port. The core never
// computes market calendars or holidays itself; it delegates to
// whatever implements this interface.
package tradinghours

import "time"

// Status is a snapshot of whether a protocol is currently in a trading
// session.
type Status struct {
	InSession        bool
	SessionName      string
	NextSessionStart time.Time
}

// Port is implemented by whatever knows the trading calendar for a
// protocol.
type Port interface {
	// ShouldConnect reports whether a gateway for protocol should be
	// connected at the given instant.
	ShouldConnect(protocol string, now time.Time) bool

	// Status reports the current session state for protocol.
	Status(protocol string, now time.Time) Status
}

// AlwaysOpen is a Port that reports every protocol as always in
// session. Used when FORCE_GATEWAY_CONNECTION is set, or in tests
// that don't want to model a calendar.
type AlwaysOpen struct{}

func (AlwaysOpen) ShouldConnect(string, time.Time) bool { return true }

func (AlwaysOpen) Status(_ string, now time.Time) Status {
	return Status{InSession: true, SessionName: "forced", NextSessionStart: now}
}

// Windowed is a Port backed by a fixed set of daily HH:MM-HH:MM
// sessions per protocol, the shape FUTURES_TRADING_HOURS and
// STOCK_OPTIONS_TRADING_HOURS configure.
type Windowed struct {
	Sessions map[string][]Window
}

// Window is one daily trading session, e.g. 09:00-11:30.
type Window struct {
	Start time.Duration // offset since local midnight
	End   time.Duration
	Name  string
}

func (w Windowed) ShouldConnect(protocol string, now time.Time) bool {
	return w.Status(protocol, now).InSession
}

func (w Windowed) Status(protocol string, now time.Time) Status {
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	var next time.Time
	haveNext := false
	for _, win := range w.Sessions[protocol] {
		if sinceMidnight >= win.Start && sinceMidnight < win.End {
			return Status{InSession: true, SessionName: win.Name}
		}
		start := midnight(now).Add(win.Start)
		if start.Before(now) {
			start = start.AddDate(0, 0, 1)
		}
		if !haveNext || start.Before(next) {
			next = start
			haveNext = true
		}
	}
	return Status{InSession: false, NextSessionStart: next}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
