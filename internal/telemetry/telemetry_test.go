package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlushWritesTextExposition(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	reg.SnapshotsTotal.WithLabelValues("srv-1").Inc()
	reg.AlertsTotal.WithLabelValues("cpu_threshold").Inc()

	w := NewWriter(dir, reg)
	w.Flush()

	data, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	require.Contains(t, string(data), "agent_snapshots_total")
	require.Contains(t, string(data), "agent_alerts_triggered_total")
}

func TestFlushIsAtomic(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	w := NewWriter(dir, reg)

	w.Flush()
	w.Flush()

	_, err := os.Stat(filepath.Join(dir, "metrics.prom.tmp"))
	require.True(t, os.IsNotExist(err))
}
