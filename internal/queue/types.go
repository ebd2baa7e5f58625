package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultPriority is used when an enqueue request does not specify one.
const DefaultPriority = 5

type Job struct {
	ID           string
	Kind         string
	Payload      json.RawMessage
	Status       Status
	Progress     int
	Priority     int
	Owner        string
	ScheduledAt  time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       json.RawMessage
	ErrorMessage *string
}

type EnqueueRequest struct {
	Kind        string
	Payload     json.RawMessage
	Priority    int
	ScheduledAt time.Time
	Owner       string
}

var ErrJobNotFound = errors.New("job not found")
