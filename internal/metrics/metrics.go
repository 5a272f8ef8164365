package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload and text request outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport_error"
	OutcomeServer    = "server_error"
)

// Metrics contains all Prometheus metrics for voxcapture
type Metrics struct {
	// Capture metrics
	SessionsStarted prometheus.Counter
	DeviceErrors    prometheus.Counter
	CapturedBytes   prometheus.Counter
	Recording       prometheus.Gauge

	// Stop metrics
	SilenceStops prometheus.Counter
	ManualStops  prometheus.Counter
	ClipBytes    prometheus.Histogram
	ClipDuration prometheus.Histogram

	// Delivery metrics
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	NoClipUploads  prometheus.Counter
	TextRequests   *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Default is registered with the global Prometheus registry and served on /metrics
var Default = New(prometheus.DefaultRegisterer)

// New creates and registers all metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_sessions_started_total",
			Help: "Total number of recordings started",
		}),
		DeviceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_device_errors_total",
			Help: "Total number of failures to open the microphone",
		}),
		CapturedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_captured_bytes_total",
			Help: "Total bytes of PCM read from the microphone",
		}),
		Recording: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxcapture_recording",
			Help: "1 while a recording is in progress",
		}),

		SilenceStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_silence_stops_total",
			Help: "Total number of recordings stopped by confirmed silence",
		}),
		ManualStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_manual_stops_total",
			Help: "Total number of recordings stopped by the user",
		}),
		ClipBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxcapture_clip_bytes",
			Help:    "Size of finalized WAV clips in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxcapture_clip_duration_seconds",
			Help:    "Duration of finalized clips",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60},
		}),

		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxcapture_uploads_total",
			Help: "Total number of clip uploads by outcome",
		}, []string{"outcome"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxcapture_upload_duration_seconds",
			Help:    "Round-trip time of clip uploads",
			Buckets: prometheus.DefBuckets,
		}),
		NoClipUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxcapture_no_clip_uploads_total",
			Help: "Total number of uploads attempted with nothing recorded",
		}),
		TextRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxcapture_text_requests_total",
			Help: "Total number of text chat requests by outcome",
		}, []string{"outcome"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxcapture_http_requests_total",
			Help: "Total number of control API requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxcapture_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}
