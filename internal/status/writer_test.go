package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterUpdateWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	w.Update(AgentStatus{
		AgentVersion:  "1.0.0",
		UsersCount:    2,
		ActiveAlerts:  1,
		LastSampleAt:  "2026-07-30T00:00:00Z",
		ControlVersion: 3,
	})

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	require.NoError(t, err)

	var got AgentStatus
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, 2, got.UsersCount)
	require.Equal(t, 3, got.ControlVersion)
}

func TestWriterUpdateLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	w.Update(AgentStatus{AgentVersion: "1.0.0"})

	_, err := os.Stat(filepath.Join(dir, "status.json.tmp"))
	require.True(t, os.IsNotExist(err))
}
