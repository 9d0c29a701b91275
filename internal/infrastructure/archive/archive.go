// Package archive preserves dead-lettered operations in object storage so
// exhausted jobs survive Redis restarts and can be replayed or audited later.
package archive

import (
	"context"

	"github.com/syncbridge/backend/internal/infrastructure/broker"
)

// Archiver stores dead-letter entries durably.
type Archiver interface {
	// Archive persists the entry. The broker hook calls this on every
	// dead-lettered job; failures are logged, never fatal.
	Archive(ctx context.Context, entry *broker.DeadLetterEntry) error
}

// StubArchiver discards entries. Use it when no object storage backend is
// configured, such as local development.
type StubArchiver struct{}

// NewStubArchiver creates a StubArchiver.
func NewStubArchiver() *StubArchiver {
	return &StubArchiver{}
}

// Archive is a no-op that always succeeds.
func (s *StubArchiver) Archive(context.Context, *broker.DeadLetterEntry) error {
	return nil
}

var _ Archiver = (*StubArchiver)(nil)
