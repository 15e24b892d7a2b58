package credentials

import (
	"context"
	"sync"
	"testing"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*Credential)}
}

func (m *memStore) Get(ctx context.Context, provider string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[provider]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *memStore) List(ctx context.Context) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Credential
	for _, c := range m.creds {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) Put(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.Provider] = c
	return nil
}

func (m *memStore) Delete(ctx context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[provider]; !ok {
		return ErrNotFound
	}
	delete(m.creds, provider)
	return nil
}

func TestMasked(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{"sk-ant-api03-abcdef", "***************cdef"},
		{"abcd", "****"},
		{"", ""},
	}
	for _, tt := range tests {
		c := &Credential{Secret: tt.secret}
		if got := c.Masked(); got != tt.want {
			t.Errorf("Masked(%q) = %q, want %q", tt.secret, got, tt.want)
		}
	}
}

func TestSeed_OnlyFillsMissing(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), &Credential{Provider: "anthropic", Secret: "stored-key"})

	err := Seed(context.Background(), store, map[string]string{
		"anthropic": "env-key",
		"openai":    "sk-env",
		"ollama":    "",
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	got, _ := store.Get(context.Background(), "anthropic")
	if got.Secret != "stored-key" {
		t.Errorf("stored secret overwritten: %q", got.Secret)
	}

	got, err = store.Get(context.Background(), "openai")
	if err != nil || got.Secret != "sk-env" {
		t.Errorf("env secret not seeded: %v, %v", got, err)
	}

	if _, err := store.Get(context.Background(), "ollama"); err != ErrNotFound {
		t.Error("empty env value should not be seeded")
	}
}
