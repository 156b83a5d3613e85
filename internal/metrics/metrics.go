// Package metrics holds the single Prometheus registry shared by every
// core package (iface, ipstack, rip, tcp), following the same
// one-metrics.go-per-package convention as doublezerod's internal packages
// (internal/bgp/metrics.go, internal/manager/metrics.go, etc.), but backed
// by a private registry instead of the global default so multiple node
// instances can coexist inside one test binary without double-registration
// panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every package's promauto.With(metrics.Registry)
// calls register against.
var Registry = prometheus.NewRegistry()

// Factory is the promauto factory every package-level metric var is built
// from, e.g.:
//
//	var ifaceUp = metrics.Factory.NewGaugeVec(prometheus.GaugeOpts{...}, []string{"interface"})
var Factory = promauto.With(Registry)

// Handler returns an http.Handler serving Registry in the Prometheus
// exposition format, for wiring into a node's metrics listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
