// Package gateway - stats.go exposes the in-memory counters as JSON.
//
// GET /stats returns request, stream, upstream and token counters.
package gateway

import (
	"net"
	"net/http"
)

// handleStats returns aggregated counters as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		g.prom.RequestsTotal.WithLabelValues(RouteStats, "403").Inc()
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	g.prom.RequestsTotal.WithLabelValues(RouteStats, "200").Inc()
	writeJSON(w, http.StatusOK, g.metrics.FullStats())
}

// isLoopback reports whether a RemoteAddr ("host:port") is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
