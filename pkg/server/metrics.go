package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections    atomic.Int64 // lifetime connections accepted
	ActiveConnections   atomic.Int64 // current live connections
	RejectedConnections atomic.Int64 // refused because the server was full
	FailedAuths         atomic.Int64 // failed or throttled login attempts
	SuccessfulAuths     atomic.Int64 // successful logins
	TotalDisconnects    atomic.Int64 // sessions torn down

	// Media counters
	MediaFramesIn      atomic.Int64 // media payloads received
	MediaFramesOut     atomic.Int64 // media payloads written to recipients
	MediaFramesDropped atomic.Int64 // media payloads discarded under backpressure
	MediaBytesIn       atomic.Int64
	MediaBytesOut      atomic.Int64

	// Text counters
	TextMessagesSent atomic.Int64 // text messages relayed

	// Error counters
	ProtocolErrors   atomic.Int64 // recoverable protocol errors reported to clients
	RejectedFrames   atomic.Int64 // oversized or malformed frames (fatal)
	SlowConsumers    atomic.Int64 // connections dropped for a full reliable queue
	DeliveryFailures atomic.Int64 // pushes to a closed queue or unframeable messages

	// Channel counters
	ChannelsCreated atomic.Int64 // channels created during this run
	ChannelsDeleted atomic.Int64 // channels deleted during this run
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections   int64 `json:"active_connections"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	SuccessfulAuths     int64 `json:"successful_auths"`
	FailedAuths         int64 `json:"failed_auths"`
	TotalDisconnects    int64 `json:"total_disconnects"`

	MediaFramesIn      int64 `json:"media_frames_in"`
	MediaFramesOut     int64 `json:"media_frames_out"`
	MediaFramesDropped int64 `json:"media_frames_dropped"`
	MediaBytesIn       int64 `json:"media_bytes_in"`
	MediaBytesOut      int64 `json:"media_bytes_out"`

	TextMessagesSent int64 `json:"text_messages_sent"`

	ProtocolErrors   int64 `json:"protocol_errors"`
	RejectedFrames   int64 `json:"rejected_frames"`
	SlowConsumers    int64 `json:"slow_consumers"`
	DeliveryFailures int64 `json:"delivery_failures"`

	ChannelsCreated int64 `json:"channels_created"`
	ChannelsDeleted int64 `json:"channels_deleted"`
}

// Snapshot returns a snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		MediaFramesIn:       m.MediaFramesIn.Load(),
		MediaFramesOut:      m.MediaFramesOut.Load(),
		MediaFramesDropped:  m.MediaFramesDropped.Load(),
		MediaBytesIn:        m.MediaBytesIn.Load(),
		MediaBytesOut:       m.MediaBytesOut.Load(),
		TextMessagesSent:    m.TextMessagesSent.Load(),
		ProtocolErrors:      m.ProtocolErrors.Load(),
		RejectedFrames:      m.RejectedFrames.Load(),
		SlowConsumers:       m.SlowConsumers.Load(),
		DeliveryFailures:    m.DeliveryFailures.Load(),
		ChannelsCreated:     m.ChannelsCreated.Load(),
		ChannelsDeleted:     m.ChannelsDeleted.Load(),
	}
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
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"media_in", s.MediaFramesIn,
		"media_out", s.MediaFramesOut,
		"media_dropped", s.MediaFramesDropped,
		"text_msgs", s.TextMessagesSent,
		"slow_consumers", s.SlowConsumers,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
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
