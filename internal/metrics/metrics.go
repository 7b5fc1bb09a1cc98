// Package metrics exposes the relay's Prometheus collectors: channel
// fan-out counters and gauges, plus process-level stats from gopsutil.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

func processPID() int { return os.Getpid() }

// Registry wraps the Prometheus collectors used by relayd.
type Registry struct {
	ActiveSessions    *prometheus.GaugeVec
	ActiveChannels    prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
	MalformedFrames   *prometheus.CounterVec
	AcceptErrors      *prometheus.CounterVec

	ProcessRSS prometheus.Gauge
	ProcessCPU prometheus.Gauge
}

// NewRegistry creates and registers relayd's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		ActiveSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_sessions_active",
			Help: "Number of sessions currently in the Relaying state, by transport",
		}, []string{"transport"}),
		ActiveChannels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_channels_active",
			Help: "Number of channels currently present in the registry",
		}),
		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_messages_published_total",
			Help: "Total number of messages published to a channel bus, by transport",
		}, []string{"transport"}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relayd_messages_dropped_total",
			Help: "Total number of messages evicted from a subscriber queue by back pressure",
		}),
		MalformedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_rush_malformed_frames_total",
			Help: "Total number of malformed Rush frames encountered while parsing",
		}, []string{"reason"}),
		AcceptErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_accept_errors_total",
			Help: "Total number of transport accept/handshake errors, by transport",
		}, []string{"transport"}),
		ProcessRSS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_process_rss_bytes",
			Help: "Resident set size of the relayd process",
		}),
		ProcessCPU: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_process_cpu_percent",
			Help: "Process CPU utilization percentage, sampled periodically",
		}),
	}
}

// Handler returns an HTTP handler exposing metrics in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// RunProcessSampler periodically updates ProcessRSS and ProcessCPU from
// gopsutil until stop is closed. A failed sample is skipped silently and
// the gauge keeps its previous value; only a failure to open the process
// handle is logged, and that disables the sampler.
func (r *Registry) RunProcessSampler(stop <-chan struct{}, logger *zap.Logger, interval time.Duration) {
	proc, err := process.NewProcess(int32(processPID()))
	if err != nil {
		logger.Warn("process sampler disabled", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				r.ProcessRSS.Set(float64(mem.RSS))
			}
			if pct, err := proc.CPUPercent(); err == nil {
				r.ProcessCPU.Set(pct)
			}
		}
	}
}
