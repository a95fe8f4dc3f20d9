package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncstream",
		Name:      "connected_clients",
		Help:      "Number of currently registered sync clients.",
	})

	PlaybackRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncstream",
		Name:      "playback_rate",
		Help:      "Current effective master playback rate.",
	})

	ClientDriftSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncstream",
		Name:      "client_drift_seconds",
		Help:      "Reported client drift against the master timeline in seconds.",
		Buckets:   []float64{-10, -5, -2, -1, -0.5, -0.1, 0, 0.1, 0.5, 1, 2, 5, 10},
	})

	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "state_broadcasts_total",
		Help:      "Total full-state broadcasts to all clients.",
	})

	SyncSnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "sync_snapshots_total",
		Help:      "Total per-client scheduled sync snapshots sent.",
	})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "ws_frames_total",
		Help:      "Total inbound WebSocket frames by type.",
	}, []string{"type"})

	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "auth_failures_total",
		Help:      "Total failed authentication attempts on the sync channel.",
	})

	EncodeJobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncstream",
		Name:      "encode_jobs_active",
		Help:      "Number of currently running transcode jobs.",
	})

	EncodeJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "encode_jobs_total",
		Help:      "Total transcode jobs started.",
	})

	EncodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncstream",
		Name:      "encode_failures_total",
		Help:      "Total transcode job failures.",
	})

	EncodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncstream",
		Name:      "encode_duration_seconds",
		Help:      "Duration of completed transcode jobs in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConnectedClients,
		PlaybackRate,
		ClientDriftSeconds,
		BroadcastsTotal,
		SyncSnapshotsTotal,
		FramesTotal,
		AuthFailuresTotal,
		EncodeJobsActive,
		EncodeJobsTotal,
		EncodeFailuresTotal,
		EncodeDuration,
	)
}
