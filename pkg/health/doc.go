// Package health derives gateway health from two signals only: the
// adapter's connection state and canary-contract tick freshness. It
// never probes a network endpoint directly — that distinction belongs
// to the Broker Adapter and Gateway Supervisor, which are the only
// components that touch a live driver.
package health
