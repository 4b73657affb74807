package server

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/NicolasHaas/gorecord/pkg/model"
	"github.com/NicolasHaas/gorecord/pkg/pool"
	"github.com/NicolasHaas/gorecord/pkg/version"
)

const metricsNamespace = "gorecord"

// Metrics tracks server runtime statistics.
// Counters use atomic operations and are exported to Prometheus through
// function collectors on a private registry.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections    atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections   atomic.Int64 // sessions currently served
	RejectedConnections atomic.Int64 // connections refused with 503
	TotalDisconnects    atomic.Int64 // sessions ended for any reason
	Timeouts            atomic.Int64 // sessions closed with 408
	BadFrames           atomic.Int64 // malformed or oversize request lines

	// Auth counters
	SuccessfulAuths    atomic.Int64
	FailedAuths        atomic.Int64
	AccountsRegistered atomic.Int64

	// Record counters
	RecordsAdded   atomic.Int64
	RecordsUpdated atomic.Int64
	RecordsDeleted atomic.Int64

	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec

	sessions  func() int
	poolStats func() pool.Stats
}

// NewMetrics creates a Metrics instance with the start time set to now.
// sessions and poolStats may be nil.
func NewMetrics(sessions func() int, poolStats func() pool.Stats) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		sessions:  sessions,
		poolStats: poolStats,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests handled, by action and response status.",
		}, []string{"action", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching one request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: name, Help: help,
		}, f)
	}

	m.registry.MustRegister(
		m.requests,
		m.durations,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "build_info",
			Help:        "Build version of the running server.",
			ConstLabels: version.Labels(),
		}, func() float64 { return 1 }),
		gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("sessions_active", "Sessions currently registered.", func() float64 {
			return float64(m.activeSessions())
		}),
		counter("connections_total", "Lifetime TCP connections accepted.", &m.TotalConnections),
		counter("connections_rejected_total", "Connections refused because the session limit was reached.", &m.RejectedConnections),
		counter("disconnects_total", "Sessions ended.", &m.TotalDisconnects),
		counter("session_timeouts_total", "Sessions closed for inactivity.", &m.Timeouts),
		counter("bad_frames_total", "Malformed or oversize request lines.", &m.BadFrames),
		counter("auth_success_total", "Successful logins.", &m.SuccessfulAuths),
		counter("auth_failed_total", "Failed logins.", &m.FailedAuths),
		counter("accounts_registered_total", "Accounts created through register.", &m.AccountsRegistered),
		counter("records_added_total", "Records added.", &m.RecordsAdded),
		counter("records_updated_total", "Records updated.", &m.RecordsUpdated),
		counter("records_deleted_total", "Records deleted.", &m.RecordsDeleted),
	)
	if poolStats != nil {
		poolGauge := func(name, help string, f func(pool.Stats) int) prometheus.Collector {
			return gauge(name, help, func() float64 { return float64(f(m.poolStats())) })
		}
		poolCounter := func(name, help string, f func(pool.Stats) int64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace, Name: name, Help: help,
			}, func() float64 { return float64(f(m.poolStats())) })
		}
		m.registry.MustRegister(
			poolGauge("pool_size", "Configured store connections.", func(s pool.Stats) int { return s.Size }),
			poolGauge("pool_in_use", "Store connections checked out.", func(s pool.Stats) int { return s.InUse }),
			poolGauge("pool_placeholders", "Pool slots without a live connection.", func(s pool.Stats) int { return s.Placeholders }),
			poolCounter("pool_acquires_total", "Connection checkouts.", func(s pool.Stats) int64 { return s.Acquires }),
			poolCounter("pool_waits_total", "Checkouts that had to wait for a free connection.", func(s pool.Stats) int64 { return s.Waits }),
			poolCounter("pool_replacements_total", "Unhealthy connections replaced.", func(s pool.Stats) int64 { return s.Replacements }),
			poolCounter("pool_commits_total", "Committed transactions.", func(s pool.Stats) int64 { return s.Commits }),
			poolCounter("pool_rollbacks_total", "Rolled back transactions.", func(s pool.Stats) int64 { return s.Rollbacks }),
		)
	}
	return m
}

// Registry returns the Prometheus registry holding the server metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(action model.Action, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(string(action), strconv.Itoa(status)).Inc()
	m.durations.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

func (m *Metrics) activeSessions() int {
	if m.sessions == nil {
		return int(m.ActiveConnections.Load())
	}
	return m.sessions()
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveSessions      int   `json:"active_sessions"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	TotalDisconnects    int64 `json:"total_disconnects"`
	Timeouts            int64 `json:"timeouts"`
	BadFrames           int64 `json:"bad_frames"`

	SuccessfulAuths    int64 `json:"successful_auths"`
	FailedAuths        int64 `json:"failed_auths"`
	AccountsRegistered int64 `json:"accounts_registered"`

	RecordsAdded   int64 `json:"records_added"`
	RecordsUpdated int64 `json:"records_updated"`
	RecordsDeleted int64 `json:"records_deleted"`

	Pool *pool.Stats `json:"pool,omitempty"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	s := MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveSessions:      m.activeSessions(),
		TotalConnections:    m.TotalConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		Timeouts:            m.Timeouts.Load(),
		BadFrames:           m.BadFrames.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		AccountsRegistered:  m.AccountsRegistered.Load(),
		RecordsAdded:        m.RecordsAdded.Load(),
		RecordsUpdated:      m.RecordsUpdated.Load(),
		RecordsDeleted:      m.RecordsDeleted.Load(),
	}
	if m.poolStats != nil {
		ps := m.poolStats()
		s.Pool = &ps
	}
	return s
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	attrs := []any{
		"uptime", s.Uptime,
		"sessions", s.ActiveSessions,
		"total_connections", s.TotalConnections,
		"rejected", s.RejectedConnections,
		"auth_ok", s.SuccessfulAuths,
		"auth_failed", s.FailedAuths,
	}
	if s.Pool != nil {
		attrs = append(attrs, "pool_in_use", s.Pool.InUse, "pool_placeholders", s.Pool.Placeholders)
	}
	slog.Info("metrics", attrs...)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
