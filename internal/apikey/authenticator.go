package apikey

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/log"
)

type Authenticator struct {
	store  *Store
	logger *slog.Logger
}

func NewAuthenticator(store *Store) *Authenticator {
	return &Authenticator{
		store:  store,
		logger: log.WithComponent("apikey"),
	}
}

// Authenticate validates a presented secret. Every rejection returns the same
// ErrUnauthorized; the internal logs carry the actual reason.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Key, error) {
	if rawKey == "" {
		a.logger.Info("authentication rejected", "reason", "empty key")
		return nil, ErrUnauthorized
	}

	k, err := a.store.GetByHash(ctx, HashKey(rawKey))
	if errors.Is(err, sql.ErrNoRows) {
		a.logger.Info("authentication rejected", "reason", "unknown key")
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if !k.IsActive {
		a.logger.Info("authentication rejected", "reason", "inactive key", "key_id", k.ID)
		return nil, ErrUnauthorized
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now().UTC()) {
		a.logger.Info("authentication rejected", "reason", "expired key", "key_id", k.ID)
		return nil, ErrUnauthorized
	}
	return k, nil
}
