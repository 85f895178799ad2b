// Package telemetry collects in-process Prometheus metrics and
// periodically exposes them as a text file under the data directory.
// The agent accepts no inbound connections, so metrics are written to
// disk rather than served over HTTP — the panel/companion tooling
// scrapes the file directly.
package telemetry

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/relaywatch/agent/internal/logging"
)

// Registry bundles the agent's Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	SnapshotsTotal    *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	AutomationsTotal  *prometheus.CounterVec
	PushTotal         *prometheus.CounterVec
	SampleCycleSeconds prometheus.Histogram
}

// NewRegistry creates and registers the agent's metric collectors
// along with the standard Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_snapshots_total",
			Help: "Total number of resource snapshots collected, by server.",
		}, []string{"server_id"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_alerts_triggered_total",
			Help: "Total number of alerts triggered, by condition type.",
		}, []string{"condition_type"}),
		AutomationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_automations_executed_total",
			Help: "Total number of automations executed, by action and result.",
		}, []string{"action", "result"}),
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_push_sent_total",
			Help: "Total number of push notifications sent, by provider and result.",
		}, []string{"provider", "result"}),
		SampleCycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_sampling_cycle_duration_seconds",
			Help:    "Duration of a full sampling cycle across all monitored servers.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.SnapshotsTotal,
		r.AlertsTotal,
		r.AutomationsTotal,
		r.PushTotal,
		r.SampleCycleSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Writer periodically gathers a Registry and writes it to
// <data_dir>/metrics.prom in Prometheus text exposition format.
type Writer struct {
	mu       sync.Mutex
	filePath string
	reg      *Registry
}

// NewWriter creates a telemetry file writer for the given registry.
func NewWriter(dataDir string, reg *Registry) *Writer {
	return &Writer{
		filePath: filepath.Join(dataDir, "metrics.prom"),
		reg:      reg,
	}
}

// Flush gathers all registered metrics and atomically rewrites
// metrics.prom.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	families, err := w.reg.registry.Gather()
	if err != nil {
		logging.Warn().Err(err).Msg("failed to gather metrics")
		return
	}

	tmpPath := w.filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		logging.Error().Err(err).Msg("failed to create metrics.prom temp file")
		return
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			logging.Error().Err(err).Msg("failed to encode metric family")
			f.Close()
			os.Remove(tmpPath)
			return
		}
	}

	if err := f.Close(); err != nil {
		logging.Error().Err(err).Msg("failed to close metrics.prom temp file")
		return
	}

	if err := os.Rename(tmpPath, w.filePath); err != nil {
		logging.Error().Err(err).Msg("failed to rename metrics.prom")
	}
}
