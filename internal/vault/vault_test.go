package vault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/store"
)

func TestRoundTrip(t *testing.T) {
	v := New("test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := New("correct-passphrase")
	v2 := New("wrong-passphrase")

	ciphertext, nonce, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := v2.Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestDifferentPassphrasesDifferentKeys(t *testing.T) {
	v1 := New("passphrase-one")
	v2 := New("passphrase-two")

	if v1.key == v2.key {
		t.Fatal("different passphrases produced the same key")
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewResolver(New("test-passphrase"), s)
}

func TestResolverSetGet(t *testing.T) {
	r := newTestResolver(t)

	if err := r.Set("api_key", "upstream key", "sk-12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := r.Get("api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-12345" {
		t.Errorf("expected sk-12345, got %s", got)
	}

	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestResolveEnv(t *testing.T) {
	r := newTestResolver(t)
	if err := r.Set("token", "", "abc"); err != nil {
		t.Fatal(err)
	}

	env, err := r.ResolveEnv(map[string]string{
		"PLAIN": "value",
		"TOKEN": "secret:token",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if env["PLAIN"] != "value" {
		t.Errorf("plain value rewritten: %s", env["PLAIN"])
	}
	if env["TOKEN"] != "abc" {
		t.Errorf("expected decrypted token, got %s", env["TOKEN"])
	}

	// Missing secrets fail the entire resolution.
	if _, err := r.ResolveEnv(map[string]string{"X": "secret:nope"}); err == nil {
		t.Fatal("expected error for missing secret reference")
	}

	if env, err := r.ResolveEnv(nil); err != nil || env != nil {
		t.Errorf("empty env: %v %v", env, err)
	}
}
