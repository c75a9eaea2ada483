package user

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"exchange/pkg/core"
	"exchange/pkg/ledger"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, zap.NewNop().Sugar())
}

func TestRegisterAndAuthenticate(t *testing.T) {
	r := newRegistry(t)

	u, apiKey, err := r.Register("alice", core.RoleUser)
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)
	require.Equal(t, core.RoleUser, u.Role)

	got, err := r.Authenticate(apiKey)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = r.Authenticate("not-a-key")
	require.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestRegisterShortName(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Register("ab", core.RoleUser)
	require.Error(t, err)
}

func TestDeleteInvalidatesKey(t *testing.T) {
	r := newRegistry(t)
	u, apiKey, err := r.Register("alice", core.RoleUser)
	require.NoError(t, err)

	deleted, err := r.Delete(u.ID)
	require.NoError(t, err)
	require.Equal(t, u.ID, deleted.ID)

	_, err = r.Authenticate(apiKey)
	require.ErrorIs(t, err, core.ErrUserNotFound)
	_, err = r.Get(u.ID)
	require.ErrorIs(t, err, core.ErrUserNotFound)

	_, err = r.Delete(uuid.New())
	require.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestBootstrapIdempotent(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.Bootstrap("admin"))
	first, err := r.store.FindUserByName("admin")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, core.RoleAdmin, first.Role)

	require.NoError(t, r.Bootstrap("admin"))
	again, err := r.store.FindUserByName("admin")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID, "second bootstrap must not create another admin")

	require.NoError(t, r.Bootstrap(""), "empty name disables the bootstrap")
}
