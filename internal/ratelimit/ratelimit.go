// Package ratelimit implements fixed-window request counting on the shared
// relational store. Increment-and-read is one SQL statement, so concurrent
// gateway instances never lose updates. Fixed windows intentionally admit
// brief bursts around window edges; that trade-off keeps the boundary crisp.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowDay    WindowKind = "day"
)

// Duration returns the window length.
func (w WindowKind) Duration() time.Duration {
	switch w {
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Start truncates t to the window boundary.
func (w WindowKind) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowDay:
		return t.Truncate(24 * time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

type Limiter struct {
	db *sql.DB
}

func New(db *sql.DB) *Limiter {
	return &Limiter{db: db}
}

// CheckAndIncrement counts this request against (keyID, window) and decides
// admission. The increment happens even when the request is rejected; the
// counter reflects attempts, not admissions.
func (l *Limiter) CheckAndIncrement(ctx context.Context, keyID string, kind WindowKind, limit int, now time.Time) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: 0}, nil
	}

	start := kind.Start(now)

	var count int
	err := l.db.QueryRowContext(ctx, `
INSERT INTO rate_limit_counters(key_id, window_kind, window_start, count)
VALUES(?, ?, ?, 1)
ON CONFLICT(key_id, window_kind, window_start) DO UPDATE SET count = count + 1
RETURNING count;
`, keyID, kind, start.Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate counter: %w", err)
	}

	if count > limit {
		nextWindow := start.Add(kind.Duration())
		retryAfter := int(math.Ceil(nextWindow.Sub(now.UTC()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfterSeconds: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}
