package usagestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/oklog/ulid/v2"
)

// MemoryStore keeps usage state in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]entitlements.UsageState
	events map[string]*UsageEvent
	closed bool
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Journal = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]entitlements.UsageState),
		events: make(map[string]*UsageEvent),
	}
}

func (s *MemoryStore) Load(ns string) (entitlements.UsageState, error) {
	ns, err := checkNamespace(ns)
	if err != nil {
		return entitlements.UsageState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitlements.UsageState{}, ErrClosed
	}
	return s.states[ns].Clone(), nil
}

func (s *MemoryStore) SaveTrialStart(ns string, ts time.Time) error {
	ns, err := checkNamespace(ns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	state := s.states[ns]
	if state.TrialStart != nil {
		return nil
	}
	start := ts
	state.TrialStart = &start
	s.states[ns] = state
	return nil
}

func (s *MemoryStore) IncrementCount(ns string, max int) (int, error) {
	ns, err := checkNamespace(ns)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	state := s.states[ns]
	state.FreeUsageCount = saturatingIncrement(state.FreeUsageCount, max)
	s.states[ns] = state
	return state.FreeUsageCount, nil
}

func (s *MemoryStore) Reset(ns string, clearTrial bool) error {
	ns, err := checkNamespace(ns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	state := s.states[ns]
	state.FreeUsageCount = 0
	if clearTrial {
		state.TrialStart = nil
	}
	s.states[ns] = state
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Append(ev UsageEvent) (UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return UsageEvent{}, ErrClosed
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	stored := ev
	s.events[ev.ID] = &stored
	return ev, nil
}

func (s *MemoryStore) Pending(limit int) ([]UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]UsageEvent, 0)
	for _, ev := range s.events {
		if ev.MirroredAt == nil && ev.Attempts < MaxPushAttempts {
			out = append(out, *ev)
		}
	}
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkMirrored(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	mirrored := at
	ev.MirroredAt = &mirrored
	ev.LastError = ""
	return nil
}

func (s *MemoryStore) MarkFailed(id string, cause error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	ev.Attempts++
	if cause != nil {
		ev.LastError = cause.Error()
	}
	return ev.Attempts, nil
}
