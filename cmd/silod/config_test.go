package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/stream"
)

func TestSubjectConfigTranslatesPolicyNames(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		want   stream.BackpressurePolicy
	}{
		{"block", "block", stream.PolicyBlock},
		{"drop oldest", "drop-oldest", stream.PolicyDropOldest},
		{"drop newest", "drop-newest", stream.PolicyDropNewest},
		{"throttle", "throttle", stream.PolicyThrottle},
		{"unrecognized falls back to none", "bogus", stream.PolicyNone},
		{"empty falls back to none", "", stream.PolicyNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuning := subjectTuning{
				Subject:       "orders",
				Policy:        tt.policy,
				Capacity:      16,
				RatePerSecond: 10,
				Burst:         2,
			}
			cfg := tuning.subjectConfig()
			require.Equal(t, tt.want, cfg.Policy)
			require.Equal(t, 16, cfg.Capacity)
			require.Equal(t, 10, cfg.RatePerSecond)
			require.Equal(t, 2, cfg.Burst)
		})
	}
}

func TestDescribeSubjects(t *testing.T) {
	require.Equal(t, "none", describeSubjects(nil))
	require.Equal(t, "none", describeSubjects([]subjectTuning{}))

	got := describeSubjects([]subjectTuning{
		{Subject: "orders", Policy: "block"},
		{Subject: "events", Policy: "drop-oldest"},
	})
	require.Equal(t, "orders=block, events=drop-oldest", got)
}
