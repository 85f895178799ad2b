package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/agent/internal/models"
	"github.com/relaywatch/agent/internal/storage"
)

func TestMetricsWriterUpdateExportsRecentSnapshots(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
		ServerID:  "s1",
		Timestamp: time.Now(),
		CPUPercent: 42,
	}))

	mw := NewMetricsWriter(dir, db)
	mw.Update([]string{"s1"}, 10)

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	require.NoError(t, err)

	var export MetricsExport
	require.NoError(t, json.Unmarshal(data, &export))
	require.Len(t, export.Servers["s1"], 1)
	require.Equal(t, 42.0, export.Servers["s1"][0].CPUPercent)
}
