package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/relaywatch/agent/internal/config"
	"github.com/relaywatch/agent/internal/control"
	"github.com/relaywatch/agent/internal/engine"
	"github.com/relaywatch/agent/internal/logging"
	"github.com/relaywatch/agent/internal/panelclient"
	"github.com/relaywatch/agent/internal/push"
	"github.com/relaywatch/agent/internal/security"
	"github.com/relaywatch/agent/internal/status"
	"github.com/relaywatch/agent/internal/storage"
	"github.com/relaywatch/agent/internal/telemetry"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	if err := logging.Init(cfg.DataDir, cfg.LogLevel); err != nil {
		logging.Error().Err(err).Msg("failed to init logging")
		os.Exit(1)
	}
	defer logging.Close()

	logging.Info().
		Str("version", version).
		Str("panel_url", cfg.PanelURL).
		Int("sampling_interval", cfg.SamplingInterval).
		Int("retention_days", cfg.RetentionDays).
		Str("push_provider", cfg.PushProvider).
		Msg("agent starting")

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	crypto, err := security.NewCrypto(cfg.AgentSecret)
	if err != nil {
		logging.Error().Err(err).Msg("failed to init crypto")
		os.Exit(1)
	}

	loader := control.NewLoader(cfg.ControlFilePath)
	if err := loader.LoadInitial(); err != nil {
		logging.Error().Err(err).Msg("failed to load control.json")
		os.Exit(1)
	}
	loader.Start()
	defer loader.Stop()

	var pushProvider push.Provider
	switch cfg.PushProvider {
	case "apns":
		apns, err := push.NewAPNsProvider(cfg.APNsKeyBase64, cfg.APNsKeyID, cfg.APNsTeamID, cfg.APNsBundleID)
		if err != nil {
			logging.Error().Err(err).Msg("failed to init APNs provider")
			os.Exit(1)
		}
		pushProvider = apns
		logging.Info().Msg("APNs push provider initialized")
	default:
		pushProvider = push.NewDevProvider()
		logging.Info().Msg("dev push provider initialized (push notifications logged to console)")
	}

	panelClient := panelclient.NewClient(cfg.PanelURL)
	statusWriter := status.NewWriter(cfg.DataDir)
	metricsWriter := status.NewMetricsWriter(cfg.DataDir, db)

	telemetryRegistry := telemetry.NewRegistry()
	metricsFlusher := telemetry.NewWriter(cfg.DataDir, telemetryRegistry)

	alertEvaluator := engine.NewAlertEvaluator(db, pushProvider, telemetryRegistry)
	automationExecutor := engine.NewAutomationExecutor(db, panelClient, pushProvider, cfg.MaxConcurrent, telemetryRegistry)

	monitor := engine.NewMonitor(
		cfg.SamplingInterval,
		panelClient,
		db,
		cfg.DataDir,
		loader,
		crypto,
		alertEvaluator,
		automationExecutor,
		statusWriter,
		metricsWriter,
		telemetryRegistry,
		metricsFlusher,
	)

	cleanup := engine.NewCleanup(db, cfg.RetentionDays)

	monitor.Start()
	cleanup.Start()

	logging.Info().Msg("agent is running, waiting for signals")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logging.Info().Str("signal", sig.String()).Msg("received signal, shutting down")

	monitor.Stop()
	cleanup.Stop()
	// loader.Stop() runs via the defer registered right after LoadInitial.

	logging.Info().Msg("agent stopped gracefully")
}
