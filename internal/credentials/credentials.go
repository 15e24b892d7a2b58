// Package credentials persists per-provider API keys and the local
// server endpoint. Secrets never leave this package in full; callers that
// display them get a masked form.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a provider has no stored credential.
var ErrNotFound = errors.New("credentials: not found")

// Credential is one provider's stored configuration.
type Credential struct {
	Provider  string
	Secret    string
	Endpoint  string
	UpdatedAt time.Time
}

// Masked returns the secret with all but the last four characters hidden.
func (c *Credential) Masked() string {
	if len(c.Secret) <= 4 {
		return strings.Repeat("*", len(c.Secret))
	}
	return strings.Repeat("*", len(c.Secret)-4) + c.Secret[len(c.Secret)-4:]
}

// Store is the credential persistence surface.
type Store interface {
	Get(ctx context.Context, provider string) (*Credential, error)
	List(ctx context.Context) ([]*Credential, error)
	Put(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, provider string) error
}

// DB is the pgx surface the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store against the credentials table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, provider string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRow(ctx, `
		SELECT provider, secret, endpoint, updated_at
		FROM credentials WHERE provider = $1`, provider).
		Scan(&c.Provider, &c.Secret, &c.Endpoint, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, secret, endpoint, updated_at
		FROM credentials ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Provider, &c.Secret, &c.Endpoint, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, c *Credential) error {
	c.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (provider, secret, endpoint, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider) DO UPDATE
		SET secret = EXCLUDED.secret, endpoint = EXCLUDED.endpoint, updated_at = EXCLUDED.updated_at`,
		c.Provider, c.Secret, c.Endpoint, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, provider string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE provider = $1`, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed writes credentials from the environment when the table has no entry
// for that provider yet. Stored values win over environment values.
func Seed(ctx context.Context, store Store, fromEnv map[string]string) error {
	for provider, secret := range fromEnv {
		if secret == "" {
			continue
		}
		if _, err := store.Get(ctx, provider); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := store.Put(ctx, &Credential{Provider: provider, Secret: secret}); err != nil {
			return err
		}
	}
	return nil
}
