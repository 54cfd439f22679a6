package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NicolasHaas/reverb/pkg/version"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format and /healthz. It runs in the
// background and shuts down when the server context is cancelled.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %s\n", version.ServerName())
	})
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("reverb_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("reverb_connections_active", "Current live connections.", "gauge",
		m.ActiveConnections.Load())
	write("reverb_connections_total", "Lifetime connections accepted.", "counter",
		m.TotalConnections.Load())
	write("reverb_connections_rejected_total", "Connections refused because the server was full.", "counter",
		m.RejectedConnections.Load())
	write("reverb_disconnects_total", "Sessions torn down.", "counter",
		m.TotalDisconnects.Load())
	var authenticated, inChannel int64
	sessions := s.SessionSnapshots()
	for _, snap := range sessions {
		if snap.Authenticated {
			authenticated++
		}
		if snap.ChannelID != "" {
			inChannel++
		}
	}
	write("reverb_sessions", "Sessions currently registered.", "gauge",
		int64(len(sessions)))
	write("reverb_sessions_authenticated", "Sessions that completed login.", "gauge",
		authenticated)
	write("reverb_sessions_in_channel", "Sessions currently in a channel.", "gauge",
		inChannel)
	write("reverb_channels", "Channels currently provisioned.", "gauge",
		int64(s.registry.Len()))

	write("reverb_auth_success_total", "Successful logins.", "counter",
		m.SuccessfulAuths.Load())
	write("reverb_auth_failed_total", "Failed or throttled logins.", "counter",
		m.FailedAuths.Load())

	write("reverb_media_frames_in_total", "Media payloads received.", "counter",
		m.MediaFramesIn.Load())
	write("reverb_media_frames_out_total", "Media payloads written to recipients.", "counter",
		m.MediaFramesOut.Load())
	write("reverb_media_frames_dropped_total", "Media payloads dropped under backpressure.", "counter",
		m.MediaFramesDropped.Load())
	write("reverb_media_bytes_in_total", "Media bytes received.", "counter",
		m.MediaBytesIn.Load())
	write("reverb_media_bytes_out_total", "Media bytes written to recipients.", "counter",
		m.MediaBytesOut.Load())

	write("reverb_text_messages_total", "Text messages relayed.", "counter",
		m.TextMessagesSent.Load())

	write("reverb_protocol_errors_total", "Recoverable protocol errors reported to clients.", "counter",
		m.ProtocolErrors.Load())
	write("reverb_rejected_frames_total", "Oversized or malformed frames.", "counter",
		m.RejectedFrames.Load())
	write("reverb_slow_consumers_total", "Connections dropped for a full outbound queue.", "counter",
		m.SlowConsumers.Load())
	write("reverb_delivery_failures_total", "Messages addressed to closed sessions.", "counter",
		m.DeliveryFailures.Load())

	write("reverb_channels_created_total", "Channels created.", "counter",
		m.ChannelsCreated.Load())
	write("reverb_channels_deleted_total", "Channels deleted.", "counter",
		m.ChannelsDeleted.Load())
}
