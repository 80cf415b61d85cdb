package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapterForwardsKeyvals(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewZapAdapter(zap.New(core))

	adapter.With("workflow", "IndexCycle").Info("started", "attempt", 2)
	adapter.Warn("slow")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "started", entries[0].Message)
	require.Equal(t, map[string]interface{}{"workflow": "IndexCycle", "attempt": int64(2)}, entries[0].ContextMap())
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestIntervalSpec(t *testing.T) {
	spec := IntervalSpec(12 * time.Second)
	require.Len(t, spec.Intervals, 1)
	require.Equal(t, 12*time.Second, spec.Intervals[0].Every)
}
