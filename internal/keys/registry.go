// Package keys manages encrypted-at-rest git hosting access tokens,
// backed by the git_hosting_keys table, and resolves which one to use
// for a given provider.
package keys

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/execcore/internal/apperror"
	"github.com/taskforge/execcore/internal/crypto"
	"github.com/taskforge/execcore/internal/store"
)

// Registry manages encrypted access tokens backed by the Persistence Schema.
type Registry struct {
	store  *store.Store
	crypto *crypto.Service
}

func NewRegistry(st *store.Store, cryptoSvc *crypto.Service) *Registry {
	return &Registry{store: st, crypto: cryptoSvc}
}

// Create registers a new key for a provider ("github" or "gitlab").
func (r *Registry) Create(ctx context.Context, provider, label, token string) (*store.GitHostingKey, error) {
	if provider != "github" && provider != "gitlab" {
		return nil, apperror.Validation("provider must be 'github' or 'gitlab'")
	}
	encrypted, err := r.crypto.Encrypt(token)
	if err != nil {
		return nil, err
	}
	k := &store.GitHostingKey{
		ID: uuid.NewString(), Provider: provider, Label: label,
		EncryptedToken: encrypted, CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateGitHostingKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// List returns all registered keys. EncryptedToken is never decrypted
// here; callers serving this to an HTTP client must strip it rather than
// let a ciphertext blob leak into an API response.
func (r *Registry) List(ctx context.Context) ([]*store.GitHostingKey, error) {
	return r.store.ListGitHostingKeys(ctx)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteGitHostingKey(ctx, id)
}

// Resolve decrypts and returns the most recently registered token for
// provider, or "" if none is registered.
func (r *Registry) Resolve(ctx context.Context, provider string) (string, error) {
	k, err := r.store.KeyForProvider(ctx, provider)
	if err != nil {
		return "", err
	}
	if k == nil {
		return "", nil
	}
	return r.crypto.Decrypt(k.EncryptedToken)
}
