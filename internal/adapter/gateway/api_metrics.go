package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
)

// metricsHandler serves GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	st := s.snapshot()

	gauge(w, "nconnect_sessions_active", "Sessions held by this relay.", int64(st.Sessions.Active))
	gauge(w, "nconnect_sessions_app_offline", "Persistent sessions waiting for their app.", int64(st.Sessions.AppOffline))
	gauge(w, "nconnect_peers_apps", "Connected app sockets.", int64(st.Peers.Apps))
	gauge(w, "nconnect_peers_clients", "Connected client sockets.", int64(st.Peers.Clients))

	counter(w, "nconnect_connections_total", "Accepted websocket connections.", s.metrics.ConnectionsTotal.Load())
	counter(w, "nconnect_sessions_created_total", "Sessions created.", st.Sessions.Created)
	counter(w, "nconnect_sessions_resumed_total", "Persistent session resumes.", st.Sessions.Resumed)
	counter(w, "nconnect_sessions_expired_total", "Persistent sessions expired by the sweeper.", st.Sessions.Expired)
	counter(w, "nconnect_session_takeovers_total", "App sockets replaced by a newer resume.", s.metrics.Takeovers.Load())
	counter(w, "nconnect_frames_received_total", "Frames read from peers.", s.metrics.FramesIn.Load())
	counter(w, "nconnect_frames_sent_total", "Frames queued to peers.", s.metrics.FramesOut.Load())
	counter(w, "nconnect_frames_rejected_total", "Frames dropped as undecodable or over the rate limit.", s.metrics.FramesRejected.Load())

	gauge(w, "nconnect_uptime_seconds", "Seconds since the relay started.", st.UptimeSeconds)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge(w, "go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
	gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
}

func gauge(w io.Writer, name, help string, v int64) {
	metric(w, name, help, "gauge", v)
}

func counter(w io.Writer, name, help string, v int64) {
	metric(w, name, help, "counter", v)
}

func metric(w io.Writer, name, help, kind string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
