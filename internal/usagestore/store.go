// Package usagestore persists the identity-scoped trial start and free usage
// counter, plus an optional journal of usage events awaiting mirroring to the
// backend.
package usagestore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
)

// MaxPushAttempts bounds how often a journaled event is offered to the
// backend before it is left alone.
const MaxPushAttempts = 3

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

var (
	// ErrNamespaceRequired is returned when an operation has no identity namespace.
	ErrNamespaceRequired = errors.New("usage namespace is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("usage store is closed")
	// ErrEventNotFound is returned when a journal event id is unknown.
	ErrEventNotFound = errors.New("usage event not found")
)

// Store is local, synchronous and durable usage state keyed by identity.
type Store interface {
	// Load returns the state for ns. Unknown namespaces return the zero state.
	Load(ns string) (entitlements.UsageState, error)
	// SaveTrialStart records the trial start. An existing start is kept.
	SaveTrialStart(ns string, ts time.Time) error
	// IncrementCount adds one to the free usage counter, saturating at max,
	// and returns the resulting count.
	IncrementCount(ns string, max int) (int, error)
	// Reset zeroes the counter and, when clearTrial is set, the trial start.
	Reset(ns string, clearTrial bool) error
	Close() error
}

// UsageEvent is a journaled usage record.
type UsageEvent struct {
	ID             string     `json:"id"`
	Namespace      string     `json:"namespace"`
	Feature        string     `json:"feature"`
	OccurredAt     time.Time  `json:"occurred_at"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempts       int        `json:"attempts"`
	MirroredAt     *time.Time `json:"mirrored_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Journal is implemented by stores that keep usage events for re-mirroring.
type Journal interface {
	// Append stores ev, assigning an ID when empty, and returns the stored event.
	Append(ev UsageEvent) (UsageEvent, error)
	// Pending returns unmirrored events with fewer than MaxPushAttempts
	// attempts, oldest first.
	Pending(limit int) ([]UsageEvent, error)
	// MarkMirrored records a successful push.
	MarkMirrored(id string, at time.Time) error
	// MarkFailed records a failed push and returns the attempt count.
	MarkFailed(id string, cause error) (int, error)
}

// Open selects a backend by kind. dataDir is ignored by the memory store.
func Open(kind, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindFile, "":
		return NewFileStore(dataDir)
	case KindSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown usage store kind %q", kind)
	}
}

func checkNamespace(ns string) (string, error) {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return "", ErrNamespaceRequired
	}
	return ns, nil
}

func saturatingIncrement(count, max int) int {
	if count < max {
		return count + 1
	}
	return count
}
