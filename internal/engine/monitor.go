package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaywatch/agent/internal/control"
	"github.com/relaywatch/agent/internal/logging"
	"github.com/relaywatch/agent/internal/models"
	"github.com/relaywatch/agent/internal/panelclient"
	"github.com/relaywatch/agent/internal/security"
	"github.com/relaywatch/agent/internal/status"
	"github.com/relaywatch/agent/internal/storage"
	"github.com/relaywatch/agent/internal/telemetry"
)

const agentVersion = "1.0.0"

// Monitor runs the main sampling loop: polls the panel for server
// resources, stores snapshots, and triggers alert/automation
// evaluation.
type Monitor struct {
	interval       time.Duration
	panelClient    *panelclient.Client
	db             *storage.DB
	dataDir        string
	controlLoader  *control.Loader
	crypto         *security.Crypto
	alertEvaluator *AlertEvaluator
	autoExecutor   *AutomationExecutor
	statusWriter   *status.Writer
	metricsWriter  *status.MetricsWriter
	telemetry      *telemetry.Registry
	metricsFlusher *telemetry.Writer
	stopCh         chan struct{}
	startTime      time.Time

	// Permission cache: user_uuid -> decrypted API key
	mu                 sync.RWMutex
	apiKeyCache        map[string]string
	lastControlVersion int
}

// NewMonitor creates a new monitoring engine.
func NewMonitor(
	intervalSec int,
	panelClient *panelclient.Client,
	db *storage.DB,
	dataDir string,
	controlLoader *control.Loader,
	crypto *security.Crypto,
	alertEval *AlertEvaluator,
	autoExec *AutomationExecutor,
	sw *status.Writer,
	mw *status.MetricsWriter,
	reg *telemetry.Registry,
	metricsFlusher *telemetry.Writer,
) *Monitor {
	return &Monitor{
		interval:       time.Duration(intervalSec) * time.Second,
		panelClient:    panelClient,
		db:             db,
		dataDir:        dataDir,
		controlLoader:  controlLoader,
		crypto:         crypto,
		alertEvaluator: alertEval,
		autoExecutor:   autoExec,
		statusWriter:   sw,
		metricsWriter:  mw,
		telemetry:      reg,
		metricsFlusher: metricsFlusher,
		stopCh:         make(chan struct{}),
		startTime:      time.Now(),
		apiKeyCache:    make(map[string]string),
	}
}

// Start begins the monitoring loop.
func (m *Monitor) Start() {
	logging.Info().Str("interval", m.interval.String()).Msg("monitoring engine started")
	go m.loop()
}

// Stop halts the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) loop() {
	// Run immediately once, then on ticker
	m.sample()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			logging.Info().Msg("monitoring engine stopped")
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cycleID := uuid.NewString()
	start := time.Now()

	cd := m.controlLoader.Get()
	if cd == nil || len(cd.Users) == 0 {
		logging.Debug().Str("cycle_id", cycleID).Msg("no users configured, skipping sample")
		m.updateStatus(cd, 0)
		return
	}

	// Invalidate API key cache if control document updated (e.g. key rotation)
	if cd.Version > m.lastControlVersion {
		logging.Info().Int("from_version", m.lastControlVersion).Int("to_version", cd.Version).Msg("control version changed, invalidating API key cache")
		m.InvalidateKeyCache()
		m.lastControlVersion = cd.Version
	}

	serversMonitored := 0

	for _, user := range cd.Users {
		apiKey, err := m.getAPIKey(user)
		if err != nil {
			logging.Error().Str("cycle_id", cycleID).Str("user_uuid", user.UserUUID).Err(err).Msg("failed to decrypt API key")
			continue
		}

		limits := m.fetchServerLimits(cycleID, apiKey)

		for _, serverID := range user.AllowedServers {
			snapshot, err := m.collectServer(apiKey, serverID, limits)
			if err != nil {
				logging.Warn().Str("cycle_id", cycleID).Str("server_id", serverID).Str("user_uuid", user.UserUUID).Err(err).Msg("failed to collect server resources")
				continue
			}

			if err := m.db.InsertSnapshot(*snapshot); err != nil {
				logging.Error().Str("cycle_id", cycleID).Str("server_id", serverID).Err(err).Msg("failed to store snapshot")
				continue
			}

			serversMonitored++
			if m.telemetry != nil {
				m.telemetry.SnapshotsTotal.WithLabelValues(serverID).Inc()
			}

			userAlerts := filterAlerts(cd.Alerts, user.UserUUID, serverID)
			m.alertEvaluator.Evaluate(context.Background(), user, snapshot, userAlerts)

			userAutos := filterAutomations(cd.Automations, user.UserUUID, serverID)
			m.autoExecutor.Evaluate(context.Background(), user, apiKey, snapshot, userAutos)
		}
	}

	elapsed := time.Since(start)
	if m.telemetry != nil {
		m.telemetry.SampleCycleSeconds.Observe(elapsed.Seconds())
	}
	if m.metricsFlusher != nil {
		m.metricsFlusher.Flush()
	}

	logging.Debug().Str("cycle_id", cycleID).Int("servers_monitored", serversMonitored).Dur("elapsed", elapsed).Msg("sampling cycle complete")
	m.updateStatus(cd, serversMonitored)

	// Export metrics.json: last 24 hours of data (24 * 60 * 60 / 30s = 2880 points)
	// so graph history is available immediately to the app.
	uniqueServers := make(map[string]bool)
	for _, user := range cd.Users {
		for _, sid := range user.AllowedServers {
			uniqueServers[sid] = true
		}
	}
	serverIDs := make([]string, 0, len(uniqueServers))
	for sid := range uniqueServers {
		serverIDs = append(serverIDs, sid)
	}

	if len(serverIDs) > 0 {
		m.metricsWriter.Update(serverIDs, 2880)
	}
}

// fetchServerLimits fetches the caller's server list once per user per
// cycle so mem_limit/disk_limit can be attached to each snapshot
// without a separate request per server.
func (m *Monitor) fetchServerLimits(cycleID, apiKey string) map[string]panelclient.ServerListItem {
	servers, err := m.panelClient.ListServers(apiKey)
	if err != nil {
		logging.Warn().Str("cycle_id", cycleID).Err(err).Msg("failed to list servers for limits lookup")
		return nil
	}

	byID := make(map[string]panelclient.ServerListItem, len(servers))
	for _, s := range servers {
		byID[s.Identifier] = s
	}
	return byID
}

func (m *Monitor) collectServer(apiKey, serverID string, limits map[string]panelclient.ServerListItem) (*models.ResourceSnapshot, error) {
	res, err := m.panelClient.FetchResources(apiKey, serverID)
	if err != nil {
		return nil, err
	}

	snapshot := &models.ResourceSnapshot{
		ServerID:   serverID,
		Timestamp:  time.Now(),
		PowerState: res.CurrentState,
		CPUPercent: res.Resources.CPUAbsolute,
		MemBytes:   res.Resources.MemoryBytes,
		DiskBytes:  res.Resources.DiskBytes,
		NetRx:      res.Resources.NetworkRxBytes,
		NetTx:      res.Resources.NetworkTxBytes,
		UptimeMs:   res.Resources.Uptime,
	}

	if item, ok := limits[serverID]; ok {
		// Panel limits are expressed in MB; snapshot fields are bytes.
		const mib = 1024 * 1024
		snapshot.MemLimit = item.Limits.Memory * mib
		snapshot.DiskLimit = item.Limits.Disk * mib
	}

	return snapshot, nil
}

func (m *Monitor) getAPIKey(user models.ControlUser) (string, error) {
	m.mu.RLock()
	cached, ok := m.apiKeyCache[user.UserUUID]
	m.mu.RUnlock()

	if ok {
		return cached, nil
	}

	decrypted, err := m.crypto.Decrypt(user.APIKeyEncrypted)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.apiKeyCache[user.UserUUID] = decrypted
	m.mu.Unlock()

	return decrypted, nil
}

// InvalidateKeyCache clears cached API keys (called on control.json reload).
func (m *Monitor) InvalidateKeyCache() {
	m.mu.Lock()
	m.apiKeyCache = make(map[string]string)
	m.mu.Unlock()
}

func (m *Monitor) updateStatus(cd *models.ControlDocument, serversMonitored int) {
	controlVersion := 0
	usersCount := 0
	alertCount := 0
	autoCount := 0

	if cd != nil {
		controlVersion = cd.Version
		usersCount = len(cd.Users)
		for _, a := range cd.Alerts {
			if a.Enabled {
				alertCount++
			}
		}
		for _, a := range cd.Automations {
			if a.Enabled {
				autoCount++
			}
		}
	}

	dbSize, err := m.db.FileSize(m.dataDir)
	if err != nil {
		dbSize = 0
	}

	m.statusWriter.Update(status.AgentStatus{
		AgentVersion:      agentVersion,
		UptimeSeconds:     int64(time.Since(m.startTime).Seconds()),
		LastSampleAt:      time.Now().Format(time.RFC3339),
		ControlVersion:    controlVersion,
		UsersCount:        usersCount,
		ActiveAlerts:      alertCount,
		ActiveAutomations: autoCount,
		ServersMonitored:  serversMonitored,
		DBSizeBytes:       dbSize,
	})
}

func filterAlerts(all []models.AlertRule, userUUID, serverID string) []models.AlertRule {
	var result []models.AlertRule
	for _, a := range all {
		if a.UserUUID == userUUID && a.ServerID == serverID && a.Enabled {
			result = append(result, a)
		}
	}
	return result
}

func filterAutomations(all []models.AutomationRule, userUUID, serverID string) []models.AutomationRule {
	var result []models.AutomationRule
	for _, a := range all {
		if a.UserUUID == userUUID && a.ServerID == serverID && a.Enabled {
			result = append(result, a)
		}
	}
	return result
}
