// Package metrics declares every collector the gateway exports and a
// periodic process stats report.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds the gateway's collectors on a dedicated registry. A
// single instance is shared by every actor.
type Metrics struct {
	registry *prometheus.Registry

	// SubscriptionsCount is labelled with the manager shard index.
	SubscriptionsCount *prometheus.GaugeVec
	ConnectionsCount   prometheus.Gauge
	Slot               prometheus.Gauge

	AccountUpdatesCount prometheus.Counter
	SlotUpdatesCount    prometheus.Counter
	BytesReceived       prometheus.Counter
	BytesSent           prometheus.Counter
	ConnectionTimeouts  prometheus.Counter

	IngestDecodeErrors   prometheus.Counter
	NotificationsDropped prometheus.Counter
	BufferDropped        prometheus.Counter
	ActorRestarts        *prometheus.CounterVec
}

// New builds the metric set on a fresh registry with the standard Go
// and process collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SubscriptionsCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subscriptions_count",
			Help: "Number of subscriptions tracked by each subscription manager",
		}, []string{"manager_id"}),
		ConnectionsCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connections_count",
			Help: "Number of currently active web socket connections from clients",
		}),
		Slot: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot",
			Help: "Max slot number, received from pubsub",
		}),
		AccountUpdatesCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "account_updates_count",
			Help: "Total number of account updates received from pubsub",
		}),
		SlotUpdatesCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_updates_count",
			Help: "Total number of slot updates received from pubsub",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bytes_received",
			Help: "Total number of bytes received from pubsub",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "bytes_sent",
			Help: "Total number of notification bytes sent to clients",
		}),
		ConnectionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "connection_timeouts",
			Help: "Total number of websocket connections which were terminated due to client inactivity",
		}),
		IngestDecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_decode_errors_total",
			Help: "Total number of broker messages dropped because they could not be decoded",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Total number of notifications dropped on slow or dead sessions",
		}),
		BufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_messages_dropped_total",
			Help: "Total number of messages dropped because the buffer inbox was full",
		}),
		ActorRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "actor_restarts_total",
			Help: "Total number of actor restarts after a panic or premature exit",
		}, []string{"actor"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the scrape handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SlotValue reads back the slot gauge for the health endpoint.
func (m *Metrics) SlotValue() uint64 {
	var pb dto.Metric
	if err := m.Slot.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetGauge().GetValue())
}

// ReportLoop logs process stats at every interval until ctx is
// cancelled.
func ReportLoop(ctx context.Context, log zerolog.Logger, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error().Err(err).Msg("process stats unavailable")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, err := proc.CPUPercent()
			if err != nil {
				continue
			}
			mem, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			log.Info().
				Float64("cpu_percent", cpu).
				Float64("rss_mb", float64(mem.RSS)/1024/1024).
				Int("goroutines", runtime.NumGoroutine()).
				Msg("process stats")
		}
	}
}
