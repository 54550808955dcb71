// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActivityWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cotask_activity_writes_total",
		Help: "Activity records written, by action kind.",
	}, []string{"action"})

	ActivityRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cotask_activity_removals_total",
		Help: "Activity records removed, by reason.",
	}, []string{"reason"})

	ActivityRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cotask_activity_records",
		Help: "Activity records currently live.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cotask_realtime_clients",
		Help: "Websocket clients currently connected.",
	})

	OpenSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cotask_realtime_subscriptions",
		Help: "Subscriptions currently open across all clients.",
	})

	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cotask_realtime_dropped_frames_total",
		Help: "Server frames dropped because a client send buffer was full.",
	})
)

const (
	ReasonTimer      = "timer"
	ReasonSweep      = "sweep"
	ReasonDisconnect = "disconnect"
	ReasonClear      = "clear"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
