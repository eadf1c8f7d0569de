package vault

import (
	"fmt"
	"strings"

	"github.com/conclavehq/conclave/internal/store"
)

const secretRefPrefix = "secret:"

// Resolver stores and retrieves encrypted secrets, and expands secret:name
// references in executor environment maps.
type Resolver struct {
	vault *Vault
	store *store.Store
}

func NewResolver(v *Vault, s *store.Store) *Resolver {
	return &Resolver{vault: v, store: s}
}

// Set encrypts and persists a secret under name.
func (r *Resolver) Set(name, description, value string) error {
	ciphertext, nonce, err := r.vault.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	return r.store.SaveSecret(&store.Secret{
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Get decrypts the secret stored under name.
func (r *Resolver) Get(name string) (string, error) {
	sec, err := r.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret not found: %s", name)
	}
	plaintext, err := r.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

// ResolveEnv returns a copy of env with every secret:name value replaced by
// the decrypted secret. A missing or undecryptable secret fails the whole
// resolution so an executor never starts with a half-resolved environment.
func (r *Resolver) ResolveEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		name, ok := strings.CutPrefix(v, secretRefPrefix)
		if !ok {
			out[k] = v
			continue
		}
		plain, err := r.Get(name)
		if err != nil {
			return nil, fmt.Errorf("resolve env %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}
