package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type CascadeAPIMetrics struct {
	UploadRequestCount       prometheus.Counter
	UploadRequestDurationSec *prometheus.SummaryVec
	UploadBytesCount         prometheus.Counter
	HTTPRequestsInFlight     prometheus.Gauge

	TranscodeJobsInFlight  prometheus.Gauge
	TranscodeDurationSec   *prometheus.HistogramVec
	TranscodeRetryCount    prometheus.Counter
	JobsCompletedCount     *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	PlaylistRequestCount   *prometheus.CounterVec
	SegmentRequestCount    *prometheus.CounterVec

	ObjectStoreClient ClientMetrics
}

func NewMetrics() *CascadeAPIMetrics {
	m := &CascadeAPIMetrics{
		// /api/v1/videos/upload request metrics
		UploadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_request_count",
			Help: "The total number of requests to /api/v1/videos/upload",
		}),
		UploadRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "upload_request_duration_seconds",
			Help: "The latency of upload requests in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		UploadBytesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_count",
			Help: "The total number of raw video bytes accepted for ingest",
		}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of upload requests currently being served",
		}),

		// Transcoding pipeline metrics
		TranscodeJobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_jobs_in_flight",
			Help: "The number of transcoding jobs currently being processed",
		}),
		TranscodeDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_duration_seconds",
			Help:    "Time taken to transcode one rendition",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"rendition"}),
		TranscodeRetryCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_retry_count",
			Help: "The total number of transcoding job retries",
		}),
		JobsCompletedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_count",
			Help: "The total number of finished transcoding jobs broken up by terminal status",
		}, []string{"status"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "The number of jobs per queue state",
		}, []string{"state"}),

		// Playback metrics
		PlaylistRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "playlist_request_count",
			Help: "The total number of playlist requests broken up by kind",
		}, []string{"kind"}),
		SegmentRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_request_count",
			Help: "The total number of segment requests broken up by rendition",
		}, []string{"rendition"}),

		// Client metrics
		ObjectStoreClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "object_store_retry_count",
				Help: "The number of retries before an object store operation succeeded",
			}, []string{"operation"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "object_store_failure_count",
				Help: "The total number of failed object store operations",
			}, []string{"host", "operation"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "object_store_request_duration",
				Help:    "Time taken by object store operations",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host", "operation"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
