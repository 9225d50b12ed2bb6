package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referralnet/internal/metrics"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		threshold Threshold
		want      bool
	}{
		{"equal holds", 0, Zero, true},
		{"equal breached", 3, Zero, false},
		{"greater", 5, Threshold{">", 4}, true},
		{"less", 5, Threshold{"<", 4}, false},
		{"at least", 4, Threshold{">=", 4}, true},
		{"at most", 4.5, Threshold{"<=", 4}, false},
		{"unknown operator", 1, Threshold{"!=", 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.value, tt.threshold))
		})
	}
}

func TestRun(t *testing.T) {
	constant := func(v float64) func(context.Context) (float64, error) {
		return func(context.Context) (float64, error) { return v, nil }
	}

	t.Run("all probes hold", func(t *testing.T) {
		e := NewEvaluator(metrics.New(),
			Probe{Name: "orphans", Query: constant(0), Threshold: Zero},
			Probe{Name: "registry_divergence", Query: constant(0), Threshold: Zero},
		)

		report := e.Run(context.Background())
		assert.True(t, report.Healthy)
		assert.Empty(t, report.Violations)
		assert.Len(t, report.Values, 2)
	})

	t.Run("violations and read failures are reported", func(t *testing.T) {
		e := NewEvaluator(nil, Probe{Name: "orphans", Query: constant(2), Threshold: Zero})
		e.Register(Probe{
			Name:      "counter_anomalies",
			Query:     func(context.Context) (float64, error) { return 0, errors.New("connection reset") },
			Threshold: Zero,
		})

		report := e.Run(context.Background())
		assert.False(t, report.Healthy)
		require.Len(t, report.Violations, 2)
		assert.Equal(t, "orphans", report.Violations[0].Probe)
		assert.Equal(t, 2.0, report.Violations[0].Actual)
		assert.Equal(t, "== 0", report.Violations[0].Expected)
		assert.Equal(t, -1.0, report.Violations[1].Actual)
		assert.Equal(t, "connection reset", report.Violations[1].Error)
		assert.NotContains(t, report.Values, "counter_anomalies")
	})
}
