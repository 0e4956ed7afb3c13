package entitlements

import (
	"testing"
	"time"
)

func TestTrialStateDerivations(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	window := DefaultTrialWindow

	tests := []struct {
		name        string
		state       TrialState
		now         time.Time
		wantActive  bool
		wantExpired bool
		wantLeft    int
		wantElapsed int
	}{
		{
			name:  "not started",
			state: TrialState{},
			now:   start,
		},
		{
			name:       "just started",
			state:      TrialState{Start: &start},
			now:        start,
			wantActive: true,
			wantLeft:   3,
		},
		{
			name:        "mid trial rounds up",
			state:       TrialState{Start: &start},
			now:         start.Add(30 * time.Hour),
			wantActive:  true,
			wantLeft:    2,
			wantElapsed: 1,
		},
		{
			name:        "last hour",
			state:       TrialState{Start: &start},
			now:         start.Add(window - time.Hour),
			wantActive:  true,
			wantLeft:    1,
			wantElapsed: 2,
		},
		{
			name:        "exactly at window end",
			state:       TrialState{Start: &start},
			now:         start.Add(window),
			wantExpired: true,
			wantElapsed: 3,
		},
		{
			name:        "four days later",
			state:       TrialState{Start: &start},
			now:         start.Add(4 * 24 * time.Hour),
			wantExpired: true,
			wantElapsed: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Active(window, tt.now); got != tt.wantActive {
				t.Fatalf("Active=%t, want %t", got, tt.wantActive)
			}
			if got := tt.state.Expired(window, tt.now); got != tt.wantExpired {
				t.Fatalf("Expired=%t, want %t", got, tt.wantExpired)
			}
			if got := tt.state.DaysLeft(window, tt.now); got != tt.wantLeft {
				t.Fatalf("DaysLeft=%d, want %d", got, tt.wantLeft)
			}
			if got := tt.state.DaysElapsed(tt.now); got != tt.wantElapsed {
				t.Fatalf("DaysElapsed=%d, want %d", got, tt.wantElapsed)
			}
		})
	}
}

func TestTrialStateDaysLeftIsStableAcrossReads(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Hour)
	state := TrialState{Start: &start}

	first := state.DaysLeft(DefaultTrialWindow, now)
	second := state.DaysLeft(DefaultTrialWindow, now)
	if first != second {
		t.Fatalf("DaysLeft changed between reads: %d then %d", first, second)
	}
	if later := state.DaysLeft(DefaultTrialWindow, now.Add(48*time.Hour)); later > first {
		t.Fatalf("DaysLeft increased over time: %d then %d", first, later)
	}
}

func TestTrialStateEndsAt(t *testing.T) {
	if (TrialState{}).EndsAt(DefaultTrialWindow) != nil {
		t.Fatal("expected nil end for unstarted trial")
	}
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := TrialState{Start: &start}.EndsAt(0)
	if end == nil || !end.Equal(start.Add(DefaultTrialWindow)) {
		t.Fatalf("EndsAt(0)=%v, want default window end", end)
	}
}
