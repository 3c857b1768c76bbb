package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_FillsUnstartedAsCancelled(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	targets := Targets("a", "b", "c")
	outcomes := map[int]Outcome{
		2: {Index: 2, Target: targets[2], State: StateFailed, Attempts: 2, Kind: KindConnection,
			Err: errors.New("refused"), StartedAt: start, FinishedAt: start.Add(3 * time.Second)},
		0: {Index: 0, Target: targets[0], State: StateSucceeded, Attempts: 1, Payload: "out"},
	}

	report := Aggregate(RunInfo{Operation: "test"}, targets, outcomes)
	require.Len(t, report.Results, 3)

	assert.Equal(t, StateSucceeded, report.Results[0].Status)
	assert.Equal(t, "out", report.Results[0].Payload)

	assert.Equal(t, "b", report.Results[1].Target)
	assert.Equal(t, StateCancelled, report.Results[1].Status)
	assert.Equal(t, 0, report.Results[1].Attempts)
	assert.Equal(t, KindCancelled, report.Results[1].ErrorKind)
	assert.NotEmpty(t, report.Results[1].Error)

	assert.Equal(t, "refused", report.Results[2].Error)
	assert.Equal(t, 3*time.Second, report.Results[2].Duration)

	assert.Equal(t, Summary{Total: 3, Succeeded: 1, Failed: 1, Cancelled: 1}, report.Summary)
	assert.Equal(t, StatusPartial, report.OverallStatus)
	assert.Len(t, report.Failed(), 2)
}

func TestOverallStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Summary
		want OverallStatus
	}{
		{name: "all succeeded", in: Summary{Total: 3, Succeeded: 3}, want: StatusAllSuccess},
		{name: "none succeeded", in: Summary{Total: 3, Failed: 2, Cancelled: 1}, want: StatusAllFailed},
		{name: "only cancelled", in: Summary{Total: 2, Cancelled: 2}, want: StatusAllFailed},
		{name: "mixed", in: Summary{Total: 3, Succeeded: 1, Cancelled: 2}, want: StatusPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, overallStatus(tt.in))
		})
	}
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"10.0.0.1", "2001:db8::1", "core-sw1.example.net", "router1", "10.0.0.1:2222"} {
		assert.NoError(t, ValidateAddress(ok), ok)
	}
	for _, bad := range []string{"", "  ", "bad host!", "under_score..x"} {
		err := ValidateAddress(bad)
		require.Error(t, err, bad)
		assert.Equal(t, KindValidation, KindOf(err))
	}
}
