// Package apikey authenticates gateway callers against stored key hashes.
// Only the blake3 hash of a secret is ever persisted; the plaintext exists
// just long enough to hash and compare.
package apikey

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// ErrUnauthorized is the single caller-facing authentication failure. The
// reason (unknown, inactive, expired) is only distinguishable in logs.
var ErrUnauthorized = errors.New("invalid API key")

// Operations a key can be granted on its entity.
const (
	OpList   = "list"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

type Key struct {
	ID                 string
	Entity             string
	AllowedOperations  []string
	RateLimitPerMinute int
	RateLimitPerDay    int
	ExpiresAt          *time.Time
	IsActive           bool
	CreatedAt          time.Time
}

// AllowsOperation reports whether op is in the key's grant.
func (k *Key) AllowsOperation(op string) bool {
	for _, o := range k.AllowedOperations {
		if o == op {
			return true
		}
	}
	return false
}

// HashKey computes the one-way hash used for storage and lookup.
func HashKey(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewSecret generates a fresh opaque key secret.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return "ak_" + hex.EncodeToString(buf), nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateParams describes a key to mint. Zero rate limits fall back to the
// schema defaults.
type CreateParams struct {
	Entity             string
	AllowedOperations  []string
	RateLimitPerMinute int
	RateLimitPerDay    int
	ExpiresAt          *time.Time
}

// Create mints a key, stores its hash, and returns the record plus the
// plaintext secret. The secret is never stored and cannot be recovered.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Key, string, error) {
	if p.Entity == "" {
		return nil, "", fmt.Errorf("entity is empty")
	}
	if len(p.AllowedOperations) == 0 {
		return nil, "", fmt.Errorf("allowed operations is empty")
	}
	for _, op := range p.AllowedOperations {
		switch op {
		case OpList, OpGet, OpCreate, OpUpdate, OpDelete:
		default:
			return nil, "", fmt.Errorf("unknown operation %q", op)
		}
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, "", err
	}

	k := &Key{
		ID:                 uuid.NewString(),
		Entity:             p.Entity,
		AllowedOperations:  append([]string(nil), p.AllowedOperations...),
		RateLimitPerMinute: p.RateLimitPerMinute,
		RateLimitPerDay:    p.RateLimitPerDay,
		ExpiresAt:          p.ExpiresAt,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
	}
	if k.RateLimitPerMinute <= 0 {
		k.RateLimitPerMinute = 60
	}
	if k.RateLimitPerDay <= 0 {
		k.RateLimitPerDay = 10000
	}

	var expiresAt any
	if k.ExpiresAt != nil {
		expiresAt = k.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(
  id, key_hash, entity, allowed_operations, rate_limit_per_minute,
  rate_limit_per_day, expires_at, is_active, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, 1, ?);
`, k.ID, HashKey(secret), k.Entity, strings.Join(k.AllowedOperations, ","),
		k.RateLimitPerMinute, k.RateLimitPerDay, expiresAt,
		k.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return k, secret, nil
}

// Deactivate revokes a key.
func (s *Store) Deactivate(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ?;`, keyID)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return nil
}

// GetByHash looks a key up by its stored hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, entity, allowed_operations, rate_limit_per_minute,
       rate_limit_per_day, expires_at, is_active, created_at
FROM api_keys
WHERE key_hash = ?;
`, hash)

	var (
		k        Key
		ops      string
		expiresS sql.NullString
		active   int
		createdS string
	)
	err := row.Scan(&k.ID, &k.Entity, &ops, &k.RateLimitPerMinute,
		&k.RateLimitPerDay, &expiresS, &active, &createdS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}

	if ops != "" {
		k.AllowedOperations = strings.Split(ops, ",")
	}
	k.IsActive = active != 0
	if expiresS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresS.String); err == nil {
			k.ExpiresAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		k.CreatedAt = t
	}
	return &k, nil
}
