package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons used with Failures.
const (
	ReasonMalformedGrant = "malformed_grant"
	ReasonNoPending      = "no_pending"
	ReasonUpload         = "upload"
	ReasonIssuerError    = "issuer_error"
	ReasonPublish        = "publish"
)

var (
	Requests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "requests_total",
		Help:      "Upload URL requests issued by this device.",
	})
	Completions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "completions_total",
		Help:      "Uploads that finished with a 2xx response.",
	})
	Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "failures_total",
		Help:      "Failed upload cycles by reason.",
	}, []string{"reason"})
	Publishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "publishes_total",
		Help:      "Messages handed to the transport by the dispatcher.",
	})
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "publish_failures_total",
		Help:      "Messages the transport refused.",
	})
	DispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "dispatch_dropped_total",
		Help:      "Messages rejected because the dispatch queue was full.",
	})
	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "uploads",
		Name:      "dispatch_queue_depth",
		Help:      "Messages waiting in the dispatch queue.",
	})
	GrantsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "grants_issued_total",
		Help:      "Presigned URLs published by the issuer.",
	})
	DuplicateRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "duplicate_requests_total",
		Help:      "Redelivered requests skipped by the issuer.",
	})
	PresignFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uploads",
		Name:      "presign_failures_total",
		Help:      "Requests the issuer could not presign.",
	})
)

// Init registers collectors; call once from main.
func Init() {
	prometheus.MustRegister(
		Requests, Completions, Failures,
		Publishes, PublishFailures, DispatchDropped, DispatchQueueDepth,
		GrantsIssued, DuplicateRequests, PresignFailures,
	)
}

// Serve starts a /metrics server on the given addr (e.g., ":9090"). Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
