package otelinit

import (
	"net/http"

	promhttppkg "github.com/prometheus/client_golang/prometheus/promhttp"
)

// promhttp returns the default Prometheus registry's HTTP handler, used to
// serve /metrics when InitMetrics wired the Prometheus exporter.
func promhttp() http.Handler {
	return promhttppkg.Handler()
}
