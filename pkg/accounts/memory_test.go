package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/types"
)

func TestMemoryStore_ListAccountsOrderedByPriority(t *testing.T) {
	s := NewMemoryStore([]types.Account{
		{ID: "b", Priority: 2, Enabled: true},
		{ID: "a", Priority: 1, Enabled: true},
		{ID: "c", Priority: 3, Enabled: false},
	})

	all, err := s.ListAccounts(false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	enabled, err := s.ListAccounts(true)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
}

func TestMemoryStore_GetAccountNotFound(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.GetAccount("missing")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
