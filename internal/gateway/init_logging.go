package gateway

import (
	"strconv"
	"time"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/monitoring"
)

func buildInitEvent(cfg *config.Config) *monitoring.InitEvent {
	ev := &monitoring.InitEvent{
		Timestamp:       time.Now(),
		Event:           "gateway_init",
		Version:         config.Version,
		ServerPort:      cfg.Server.Port,
		UpstreamBaseURL: cfg.Upstream.BaseURL,
		UpstreamModel:   cfg.Upstream.Model,
		HasAPIKey:       cfg.Upstream.APIKey != "",
		TimeoutMs:       cfg.Upstream.Timeout.Milliseconds(),
		ModelsTimeoutMs: cfg.Upstream.ModelsTimeout.Milliseconds(),
		MetricsEnabled:  cfg.Monitoring.MetricsEnabled,
	}
	if cfg.Monitoring.Telemetry.Enabled {
		ev.TelemetrySink = cfg.Monitoring.Telemetry.Sink
		ev.TelemetryPath = cfg.Monitoring.Telemetry.Path
	}
	return ev
}

// statusLabel renders a status code as a metric label.
func statusLabel(code int) string {
	return strconv.Itoa(code)
}
