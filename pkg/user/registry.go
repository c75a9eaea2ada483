// Package user handles registration and API-key authentication.
// Plaintext keys are handed out exactly once; the ledger stores only a
// sha3-256 digest, used as the lookup index.
package user

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"exchange/pkg/core"
	"exchange/pkg/ledger"
)

const minNameLen = 3

// Registry manages user accounts on top of the ledger store.
type Registry struct {
	store *ledger.Store
	log   *zap.SugaredLogger
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store *ledger.Store, log *zap.SugaredLogger) *Registry {
	return &Registry{store: store, log: log}
}

func digest(apiKey string) string {
	sum := sha3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Register creates a user and returns it with the plaintext API key.
// The key cannot be recovered later.
func (r *Registry) Register(name string, role core.Role) (*core.User, string, error) {
	if len(name) < minNameLen {
		return nil, "", fmt.Errorf("name must be at least %d characters", minNameLen)
	}
	u := &core.User{
		ID:        uuid.New(),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UnixMilli(),
	}
	apiKey := uuid.NewString()
	if err := r.store.SaveUser(u, digest(apiKey)); err != nil {
		return nil, "", fmt.Errorf("register %s: %w", name, err)
	}
	r.log.Infow("user_registered", "user", u.ID, "name", name, "role", role.String())
	return u, apiKey, nil
}

// Authenticate resolves an API key to its user, or ErrUserNotFound.
func (r *Registry) Authenticate(apiKey string) (*core.User, error) {
	return r.store.GetUserByKeyDigest(digest(apiKey))
}

// Get loads a user by id.
func (r *Registry) Get(id uuid.UUID) (*core.User, error) {
	return r.store.GetUser(id)
}

// Delete removes a user and invalidates their API key. Balances and
// order history remain in the ledger.
func (r *Registry) Delete(id uuid.UUID) (*core.User, error) {
	u, err := r.store.GetUser(id)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteUser(id); err != nil {
		return nil, err
	}
	r.log.Infow("user_deleted", "user", id, "name", u.Name)
	return u, nil
}

// Bootstrap ensures an admin account exists at startup. On first run
// the generated key is logged once; rotating it means deleting the
// admin and re-running.
func (r *Registry) Bootstrap(adminName string) error {
	if adminName == "" {
		return nil
	}
	existing, err := r.store.FindUserByName(adminName)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	admin, apiKey, err := r.Register(adminName, core.RoleAdmin)
	if err != nil {
		return err
	}
	r.log.Infow("admin_bootstrapped", "user", admin.ID, "name", adminName, "api_key", apiKey)
	return nil
}
