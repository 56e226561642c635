// Package types defines the domain model shared across the hub's
// components: accounts, gateway runtime state, health, recovery,
// failover, and the tick and event payloads that flow between them.
//
// Types here carry no behavior beyond their own invariants; state
// transitions live in the package that owns the record (health in
// pkg/health, recovery in pkg/recovery, and so on).
package types
