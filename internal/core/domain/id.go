package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TaskIDPrefix prefixes every task id.
const TaskIDPrefix = "task-"

// NewID returns a random UUID for machines, snapshots and media.
func NewID() uuid.UUID {
	return uuid.New()
}

// ParseID parses a UUID given by a caller.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, ErrInvalidArgument.WithDetailsf("invalid id %q", s).WithCause(err)
	}
	return id, nil
}

// GenerateTaskID returns a time-ordered task id: task-{ulid_lowercase}.
func GenerateTaskID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return TaskIDPrefix + strings.ToLower(id.String()), nil
}

// IsValidTaskID reports whether id has the task id shape.
func IsValidTaskID(id string) bool {
	if !strings.HasPrefix(id, TaskIDPrefix) {
		return false
	}
	_, err := ulid.Parse(strings.ToUpper(id[len(TaskIDPrefix):]))
	return err == nil
}
