package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/agent/internal/models"
	"github.com/relaywatch/agent/internal/panelclient"
	"github.com/relaywatch/agent/internal/telemetry"
)

func newTestPanelServer(t *testing.T, statusCode int) *panelclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
	}))
	t.Cleanup(srv.Close)
	return panelclient.NewClient(srv.URL)
}

func TestAutomationExecutesRestartOnTrigger(t *testing.T) {
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusOK)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"s1"}, DeviceTokens: []string{"tok1"}}
	rule := models.AutomationRule{
		ID: "a1", UserUUID: "u1", ServerID: "s1",
		TriggerType:   "cpu_threshold",
		TriggerConfig: map[string]interface{}{"threshold": 80.0},
		Action:        "restart",
		Cooldown:      60,
		Enabled:       true,
	}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	require.Equal(t, 1, pp.count())
}

func TestAutomationRespectsCooldown(t *testing.T) {
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusOK)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"s1"}, DeviceTokens: []string{"tok1"}}
	rule := models.AutomationRule{
		ID: "a1", UserUUID: "u1", ServerID: "s1",
		TriggerType:   "cpu_threshold",
		TriggerConfig: map[string]interface{}{"threshold": 80.0},
		Action:        "restart",
		Cooldown:      3600,
		Enabled:       true,
	}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	require.Equal(t, 1, pp.count())
}

func TestAutomationSkipsWhenServerNotAllowed(t *testing.T) {
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusOK)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"other-server"}, DeviceTokens: []string{"tok1"}}
	rule := models.AutomationRule{
		ID: "a1", UserUUID: "u1", ServerID: "s1",
		TriggerType:   "cpu_threshold",
		TriggerConfig: map[string]interface{}{"threshold": 80.0},
		Action:        "restart",
		Cooldown:      60,
		Enabled:       true,
	}
	snap := &models.ResourceSnapshot{ServerID: "s1", CPUPercent: 95}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	require.Equal(t, 0, pp.count())
}

func TestAutomationFailedActionStillNotifies(t *testing.T) {
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusInternalServerError)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"s1"}, DeviceTokens: []string{"tok1"}}
	rule := models.AutomationRule{
		ID: "a1", UserUUID: "u1", ServerID: "s1",
		TriggerType: "server_offline",
		Action:      "restart",
		Cooldown:    60,
		Enabled:     true,
	}
	snap := &models.ResourceSnapshot{ServerID: "s1", PowerState: "offline"}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	require.Equal(t, 1, pp.count())
}

func TestAutomationUnknownTriggerTypeLogsOnceAndSkips(t *testing.T) {
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusOK)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"s1"}}
	rule := models.AutomationRule{ID: "a1", UserUUID: "u1", ServerID: "s1", TriggerType: "unknown_future_trigger", Action: "restart", Enabled: true}
	snap := &models.ResourceSnapshot{ServerID: "s1"}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})

	require.Equal(t, 0, pp.count())
	require.True(t, ae.unknownTrigger["a1"])
}

func TestAutomationRefiresAfterCooldownExpires(t *testing.T) {
	// A rule whose trigger still holds runs again once its cooldown
	// has elapsed.
	db := openTestDB(t)
	pc := newTestPanelServer(t, http.StatusOK)
	pp := &fakePushProvider{}
	ae := NewAutomationExecutor(db, pc, pp, 5, telemetry.NewRegistry())

	user := models.ControlUser{UserUUID: "u1", AllowedServers: []string{"s1"}, DeviceTokens: []string{"tok1"}}
	rule := models.AutomationRule{
		ID: "a1", UserUUID: "u1", ServerID: "s1",
		TriggerType: "server_offline",
		Action:      "restart",
		Cooldown:    1,
		Enabled:     true,
	}
	snap := &models.ResourceSnapshot{ServerID: "s1", PowerState: "offline"}

	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})
	time.Sleep(1100 * time.Millisecond)
	ae.Evaluate(context.Background(), user, "apikey", snap, []models.AutomationRule{rule})

	require.Equal(t, 2, pp.count())
}
