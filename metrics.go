package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry     *prometheus.Registry
	logins       *prometheus.CounterVec
	uploads      prometheus.Counter
	uploadBytes  prometheus.Counter
	filesDeleted prometheus.Counter
	requests     *prometheus.CounterVec
}

// newMetrics registers the collectors on a private registry so several apps
// can live in one process.
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmpbox_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmpbox_uploads_total",
			Help: "Files uploaded.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmpbox_upload_bytes_total",
			Help: "Bytes of uploaded content stored.",
		}),
		filesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmpbox_files_deleted_total",
			Help: "Files deleted by users.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmpbox_http_requests_total",
			Help: "HTTP requests by status code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		m.logins,
		m.uploads,
		m.uploadBytes,
		m.filesDeleted,
		m.requests,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
