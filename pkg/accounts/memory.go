package accounts

import (
	"sort"
	"sync"

	"github.com/cuemby/mdhub/pkg/types"
)

// MemoryStore is an in-memory Account Store, used by tests and by
// deployments that configure accounts via environment/config file
// rather than a database.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]types.Account
}

// NewMemoryStore builds a MemoryStore seeded with the given accounts.
func NewMemoryStore(seed []types.Account) *MemoryStore {
	m := &MemoryStore{accounts: make(map[string]types.Account, len(seed))}
	for _, a := range seed {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *MemoryStore) IsAvailable() bool { return true }

func (m *MemoryStore) ListAccounts(enabledOnly bool) ([]types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if enabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemoryStore) GetAccount(id string) (types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return types.Account{}, types.NewError(types.KindNotFound, "account "+id)
	}
	return a, nil
}

// Put inserts or replaces an account. Used by tests to seed state.
func (m *MemoryStore) Put(a types.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}
