package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/agent/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndGetLatestSnapshot(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
		ServerID:   "srv-1",
		Timestamp:  time.Now().Add(-time.Minute),
		PowerState: "running",
		CPUPercent: 10,
	}))
	require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
		ServerID:   "srv-1",
		Timestamp:  time.Now(),
		PowerState: "running",
		CPUPercent: 20,
	}))

	latest, err := db.GetLatestSnapshot("srv-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 20.0, latest.CPUPercent)
}

func TestGetRecentSnapshotsChronological(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
			ServerID:   "srv-1",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			CPUPercent: float64(i),
		}))
	}

	snaps, err := db.GetRecentSnapshots("srv-1", 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	// Most recent 3, oldest first: values 2, 3, 4
	require.Equal(t, 2.0, snaps[0].CPUPercent)
	require.Equal(t, 4.0, snaps[2].CPUPercent)
}

func TestCleanupOlderThan(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
		ServerID:  "srv-1",
		Timestamp: time.Now().AddDate(0, 0, -40),
	}))
	require.NoError(t, db.InsertSnapshot(models.ResourceSnapshot{
		ServerID:  "srv-1",
		Timestamp: time.Now(),
	}))

	deleted, err := db.CleanupOlderThan(30)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	count, err := db.GetSnapshotCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStateRoundTrip(t *testing.T) {
	db := openTestDB(t)

	v, err := db.GetState("missing")
	require.NoError(t, err)
	require.Equal(t, "", v)

	require.NoError(t, db.SetState("k", "v1"))
	require.NoError(t, db.SetState("k", "v2"))

	v, err = db.GetState("k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}
