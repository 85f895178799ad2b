package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/agent/internal/models"
	"github.com/relaywatch/agent/internal/push"
	"github.com/relaywatch/agent/internal/storage"
	"github.com/relaywatch/agent/internal/telemetry"
)

type fakePushProvider struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakePushProvider) Send(ctx context.Context, token string, payload push.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	return f.err
}

func (f *fakePushProvider) Name() string { return "fake" }

func (f *fakePushProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEvaluateCPUThresholdTriggersPush(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "cpu_threshold", Threshold: 80, Cooldown: 60, Enabled: true}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95, PowerState: "running"}

	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})
	require.Equal(t, 1, pp.count())
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "cpu_threshold", Threshold: 80, Cooldown: 3600, Enabled: true}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95, PowerState: "running"}

	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})
	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})

	require.Equal(t, 1, pp.count())
}

func TestEvaluateDurationGateDelaysTrigger(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "cpu_threshold", Threshold: 80, Duration: 60, Cooldown: 60, Enabled: true}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95, PowerState: "running"}

	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})
	require.Equal(t, 0, pp.count(), "should not trigger before duration elapses")

	ae.mu.Lock()
	ae.firstExceededAt[rule.ID] = time.Now().Add(-2 * time.Minute)
	ae.mu.Unlock()

	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})
	require.Equal(t, 1, pp.count())
}

func TestEvaluateResetsDurationWhenConditionClears(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "cpu_threshold", Threshold: 80, Duration: 60, Cooldown: 60, Enabled: true}

	high := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95, PowerState: "running"}
	low := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 10, PowerState: "running"}

	ae.Evaluate(context.Background(), user, high, []models.AlertRule{rule})
	ae.Evaluate(context.Background(), user, low, []models.AlertRule{rule})

	ae.mu.Lock()
	_, tracking := ae.firstExceededAt[rule.ID]
	ae.mu.Unlock()
	require.False(t, tracking)
}

func TestEvaluateRestartLoopDetection(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "restart_loop", Cooldown: 60, Enabled: true}

	offline := &models.ResourceSnapshot{ServerID: "s1", PowerState: "offline"}
	running := &models.ResourceSnapshot{ServerID: "s1", PowerState: "running"}

	// restartTracker only reflects a transition after the Evaluate call
	// that recorded it returns, so the 4th running sample is the first
	// one to observe 3 accumulated restarts.
	for i := 0; i < 4; i++ {
		ae.Evaluate(context.Background(), user, offline, nil)
		ae.Evaluate(context.Background(), user, running, []models.AlertRule{rule})
	}

	require.Equal(t, 1, pp.count())
}

func TestEvaluateUnknownConditionTypeLogsOnceAndSkips(t *testing.T) {
	db := openTestDB(t)
	pp := &fakePushProvider{}
	ae := NewAlertEvaluator(db, pp, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", DeviceTokens: []string{"tok1"}}
	rule := models.AlertRule{ID: "r1", UserUUID: "u1", ServerID: "s1", ConditionType: "unknown_future_condition", Enabled: true}
	snap := &models.ResourceSnapshot{ServerID: "s1", PowerState: "running"}

	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})
	ae.Evaluate(context.Background(), user, snap, []models.AlertRule{rule})

	require.Equal(t, 0, pp.count())
	require.True(t, ae.unknownRules["r1"])
}
