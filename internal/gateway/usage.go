package gateway

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akatsuki-hq/dispatch/internal/log"
)

// UsageRecorder persists per-key usage statistics off the response path.
type UsageRecorder struct {
	db     *sql.DB
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewUsageRecorder(db *sql.DB) *UsageRecorder {
	return &UsageRecorder{
		db:     db,
		logger: log.WithComponent("usage"),
	}
}

// RecordAsync writes one usage row in the background. Failures are logged and
// swallowed; usage stats never affect a response.
func (u *UsageRecorder) RecordAsync(keyID, entity, operation string, statusCode int) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				u.logger.Error("usage recording panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := u.db.ExecContext(ctx, `
INSERT INTO api_key_usage(id, key_id, entity, operation, status_code, requested_at)
VALUES(?, ?, ?, ?, ?, ?);
`, uuid.NewString(), keyID, entity, operation, statusCode,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			u.logger.Warn("failed to record usage", "key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until in-flight recordings finish. Used by tests and shutdown.
func (u *UsageRecorder) Wait() {
	u.wg.Wait()
}

// CountForKey returns how many usage rows exist for a key.
func (u *UsageRecorder) CountForKey(ctx context.Context, keyID string) (int, error) {
	var n int
	err := u.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM api_key_usage WHERE key_id = ?;
`, keyID).Scan(&n)
	return n, err
}
