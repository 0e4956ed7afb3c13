package entitlements

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscriptionStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    SubscriptionStatus
		wantErr bool
	}{
		{raw: "active", want: StatusActive},
		{raw: " ACTIVE ", want: StatusActive},
		{raw: "canceled", want: StatusCancelled},
		{raw: "cancelled", want: StatusCancelled},
		{raw: "trialing", want: StatusTrial},
		{raw: "inactive", want: StatusInactive},
		{raw: "expired", want: StatusExpired},
		{raw: "paused", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSubscriptionStatus(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidStatus))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscriptionSnapshotValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	var nilSnapshot *SubscriptionSnapshot
	require.NoError(t, nilSnapshot.Validate())
	require.NoError(t, (&SubscriptionSnapshot{Status: StatusActive, PeriodStart: &start}).Validate())
	require.NoError(t, (&SubscriptionSnapshot{Status: StatusActive, PeriodStart: &start, PeriodEnd: &end}).Validate())

	err := (&SubscriptionSnapshot{Status: StatusActive, PeriodStart: &end, PeriodEnd: &start}).Validate()
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	err = (&SubscriptionSnapshot{Status: "bogus"}).Validate()
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSubscriptionSnapshotCloneIsDeep(t *testing.T) {
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	original := &SubscriptionSnapshot{
		Status:    StatusActive,
		Plan:      PlanRef{ID: PlanMonthly, Limits: map[string]int{"*": Unlimited}},
		PeriodEnd: &end,
		Usage:     map[string]int{FeatureFoodDetection: 1},
	}

	cp := original.Clone()
	cp.Plan.Limits["*"] = 1
	cp.Usage[FeatureFoodDetection] = 5
	*cp.PeriodEnd = end.Add(time.Hour)

	assert.Equal(t, Unlimited, original.Plan.Limits["*"])
	assert.Equal(t, 1, original.Usage[FeatureFoodDetection])
	assert.Equal(t, end, *original.PeriodEnd)
}

func TestSubscriptionDateInfo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	start := now.Add(-5 * 24 * time.Hour)

	t.Run("no snapshot is neutral", func(t *testing.T) {
		var s *SubscriptionSnapshot
		info := s.DateInfo(now)
		assert.False(t, info.HasSubscription)
		assert.Nil(t, info.Start)
		assert.Nil(t, info.End)
		assert.Zero(t, info.DaysUntilExpiry)
		assert.False(t, info.Expired)
	})

	t.Run("partial day rounds up", func(t *testing.T) {
		end := now.Add(36 * time.Hour)
		s := &SubscriptionSnapshot{Status: StatusActive, PeriodStart: &start, PeriodEnd: &end}
		info := s.DateInfo(now)
		assert.True(t, info.HasSubscription)
		assert.Equal(t, 2, info.DaysUntilExpiry)
		assert.False(t, info.Expired)
		require.NotNil(t, info.Start)
		assert.Equal(t, start, *info.Start)
	})

	t.Run("past end is expired and clamped", func(t *testing.T) {
		end := now.Add(-time.Hour)
		s := &SubscriptionSnapshot{Status: StatusActive, PeriodEnd: &end}
		assert.Zero(t, s.DaysUntilExpiry(now))
		assert.True(t, s.IsExpired(now))
	})

	t.Run("expired status without dates", func(t *testing.T) {
		s := &SubscriptionSnapshot{Status: StatusExpired}
		assert.True(t, s.IsExpired(now))
		assert.Zero(t, s.DaysUntilExpiry(now))
	})
}

func TestIdentityPrivileged(t *testing.T) {
	roles := []string{"admin", "support"}
	assert.True(t, Identity{Role: "admin"}.Privileged(roles))
	assert.True(t, Identity{Role: " ADMIN "}.Privileged(roles))
	assert.True(t, Identity{Role: "support"}.Privileged(roles))
	assert.False(t, Identity{Role: "user"}.Privileged(roles))
	assert.False(t, Identity{}.Privileged(roles))
	assert.False(t, Identity{Role: "admin"}.Privileged(nil))
}
