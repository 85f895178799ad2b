package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaywatch/agent/internal/logging"
	"github.com/relaywatch/agent/internal/models"
	"github.com/relaywatch/agent/internal/panelclient"
	"github.com/relaywatch/agent/internal/push"
	"github.com/relaywatch/agent/internal/storage"
	"github.com/relaywatch/agent/internal/telemetry"
)

// AutomationExecutor evaluates automation rules and executes actions.
type AutomationExecutor struct {
	db           *storage.DB
	panelClient  *panelclient.Client
	pushProvider push.Provider
	telemetry    *telemetry.Registry

	// maxConcurrent is stored but not read: this executor runs
	// actions sequentially within a sampling cycle and never fans
	// them out across goroutines. It is not written to status.json.
	maxConcurrent int

	mu             sync.Mutex
	lastExecutedAt map[string]time.Time // rule_id -> last execution time
	unknownTrigger map[string]bool      // rule_id -> already logged as unrecognized trigger type
}

// NewAutomationExecutor creates a new automation executor.
func NewAutomationExecutor(db *storage.DB, pc *panelclient.Client, pushProvider push.Provider, maxConcurrent int, reg *telemetry.Registry) *AutomationExecutor {
	return &AutomationExecutor{
		db:             db,
		panelClient:    pc,
		pushProvider:   pushProvider,
		telemetry:      reg,
		maxConcurrent:  maxConcurrent,
		lastExecutedAt: make(map[string]time.Time),
		unknownTrigger: make(map[string]bool),
	}
}

// Evaluate checks automation rules for a server and executes triggered actions.
func (ae *AutomationExecutor) Evaluate(ctx context.Context, user models.ControlUser, apiKey string, snapshot *models.ResourceSnapshot, rules []models.AutomationRule) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	for _, rule := range rules {
		ae.evaluateRule(ctx, user, apiKey, snapshot, rule)
	}
}

func (ae *AutomationExecutor) evaluateRule(ctx context.Context, user models.ControlUser, apiKey string, snapshot *models.ResourceSnapshot, rule models.AutomationRule) {
	// Check cooldown
	if lastExec, ok := ae.lastExecutedAt[rule.ID]; ok {
		if time.Since(lastExec) < time.Duration(rule.Cooldown)*time.Second {
			return
		}
	}

	// Evaluate trigger
	triggered := ae.evaluateTrigger(rule, snapshot)
	if !triggered {
		return
	}

	// Permission check: verify server is still in user's allowed list.
	// A control document reload between rule creation and evaluation
	// can revoke access, so this is re-checked every cycle rather than
	// trusted from whenever the rule was last valid.
	if !isServerAllowed(user, rule.ServerID) {
		logging.Warn().
			Str("rule_id", rule.ID).
			Str("server_id", rule.ServerID).
			Str("user_uuid", user.UserUUID).
			Msg("automation server not in user's allowed_servers, skipping")
		return
	}

	logging.Info().
		Str("rule_id", rule.ID).
		Str("trigger_type", rule.TriggerType).
		Str("action", rule.Action).
		Str("server_id", rule.ServerID).
		Msg("automation triggered")

	err := ae.executeAction(ctx, apiKey, rule)

	result := "success"
	errMsg := ""
	if err != nil {
		result = "failure"
		errMsg = err.Error()
		logging.Error().Str("rule_id", rule.ID).Err(err).Msg("automation execution failed")
	}

	if ae.telemetry != nil {
		ae.telemetry.AutomationsTotal.WithLabelValues(rule.Action, result).Inc()
	}

	ae.lastExecutedAt[rule.ID] = time.Now()

	ae.db.InsertAutomationLog(models.AutomationLogEntry{
		RuleID:   rule.ID,
		UserUUID: rule.UserUUID,
		ServerID: rule.ServerID,
		Action:   rule.Action,
		Result:   result,
		ErrorMsg: errMsg,
	})

	title := fmt.Sprintf("Automation: %s", rule.Action)
	body := fmt.Sprintf("Executed '%s' on server (trigger: %s)", rule.Action, rule.TriggerType)
	if err != nil {
		body = fmt.Sprintf("Failed to execute '%s': %s", rule.Action, errMsg)
	}

	payload := push.Payload{
		Title:     title,
		Body:      body,
		UserUUID:  rule.UserUUID,
		ServerID:  rule.ServerID,
		EventType: "automation",
		Timestamp: time.Now().Format(time.RFC3339),
	}

	for _, token := range user.DeviceTokens {
		pushResult := "success"
		if pushErr := ae.pushProvider.Send(ctx, token, payload); pushErr != nil {
			pushResult = "failure"
			logging.Error().Str("rule_id", rule.ID).Err(pushErr).Msg("failed to send automation push")
		}
		if ae.telemetry != nil {
			ae.telemetry.PushTotal.WithLabelValues(ae.pushProvider.Name(), pushResult).Inc()
		}
	}
}

func (ae *AutomationExecutor) evaluateTrigger(rule models.AutomationRule, snapshot *models.ResourceSnapshot) bool {
	switch rule.TriggerType {
	case "cpu_threshold":
		threshold, ok := getFloat(rule.TriggerConfig, "threshold")
		if !ok {
			return false
		}
		return snapshot.CPUPercent > threshold

	case "ram_threshold":
		threshold, ok := getFloat(rule.TriggerConfig, "threshold")
		if !ok || snapshot.MemLimit == 0 {
			return false
		}
		memPercent := float64(snapshot.MemBytes) / float64(snapshot.MemLimit) * 100
		return memPercent > threshold

	case "disk_threshold":
		threshold, ok := getFloat(rule.TriggerConfig, "threshold")
		if !ok || snapshot.DiskLimit == 0 {
			return false
		}
		diskPercent := float64(snapshot.DiskBytes) / float64(snapshot.DiskLimit) * 100
		return diskPercent > threshold

	case "server_offline":
		return snapshot.PowerState == "offline" || snapshot.PowerState == "stopped"

	case "server_crash":
		return snapshot.PowerState == "offline" // Distinguish from "stopped" (intentional)

	default:
		if !ae.unknownTrigger[rule.ID] {
			logging.Warn().Str("rule_id", rule.ID).Str("trigger_type", rule.TriggerType).Msg("unrecognized automation trigger type, skipping")
			ae.unknownTrigger[rule.ID] = true
		}
		return false
	}
}

func (ae *AutomationExecutor) executeAction(ctx context.Context, apiKey string, rule models.AutomationRule) error {
	switch rule.Action {
	case "restart":
		return ae.panelClient.SendPowerSignal(apiKey, rule.ServerID, "restart")

	case "stop":
		return ae.panelClient.SendPowerSignal(apiKey, rule.ServerID, "stop")

	case "start":
		return ae.panelClient.SendPowerSignal(apiKey, rule.ServerID, "start")

	case "command":
		cmd, ok := rule.ActionConfig["command"].(string)
		if !ok || cmd == "" {
			return fmt.Errorf("missing command in action_config")
		}
		return ae.panelClient.SendCommand(apiKey, rule.ServerID, cmd)

	case "backup":
		return ae.panelClient.CreateBackup(apiKey, rule.ServerID)

	default:
		return fmt.Errorf("unknown action: %s", rule.Action)
	}
}

func isServerAllowed(user models.ControlUser, serverID string) bool {
	for _, s := range user.AllowedServers {
		if s == serverID {
			return true
		}
	}
	return false
}

func getFloat(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
