// Package accounts declares the Account Store port: a read-only
// collaborator that supplies configured gateway accounts in priority
// order. The core never writes through this port.
package accounts

import "github.com/cuemby/mdhub/pkg/types"

// Store is implemented by whatever holds account configuration
// (database, file, remote service). The core only reads.
type Store interface {
	// IsAvailable reports whether the store can currently serve
	// requests (e.g. a database connection is up).
	IsAvailable() bool

	// ListAccounts returns accounts ordered by Priority ascending.
	// When enabledOnly is true, disabled accounts are omitted.
	ListAccounts(enabledOnly bool) ([]types.Account, error)

	// GetAccount returns the account with the given id, or an error of
	// kind types.KindNotFound if none exists.
	GetAccount(id string) (types.Account, error)
}
