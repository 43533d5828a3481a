// Package observability exposes the process's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_upstream_requests_total",
		Help: "Total requests issued to the upstream states endpoint",
	})
	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_upstream_errors_total",
		Help: "Upstream requests that failed (network, auth, or bad status)",
	})
	UpstreamRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_upstream_rate_limited_total",
		Help: "Upstream responses with HTTP 429",
	})
	LimiterDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_limiter_denials_total",
		Help: "Local rate limiter denials before a request went out",
	})
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_records_dropped_total",
		Help: "State vectors dropped for failing parse or field validation",
	})
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_poll_cycles_total",
		Help: "Completed poll cycles by outcome",
	}, []string{"outcome"})
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_feed_reconnects_total",
		Help: "Upstream WebSocket reconnect attempts",
	})
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_websocket_clients",
		Help: "Currently connected local WebSocket clients",
	})
)
