// Package metrics collects the job's Prometheus metrics and pushes them to a
// Pushgateway at the end of a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/upgradejob/pkg/version"
)

// Registry holds collectors scoped to a single process run. Its Gatherer
// merges them with the default registry, where the package level job
// metrics and the Go runtime collectors live.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates an empty run-scoped registry.
func NewRegistry() *Registry {
	return &Registry{
		registry: prometheus.NewRegistry(),
	}
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
// This is primarily useful for testing.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer returns the run-scoped collectors together with the default
// registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{prometheus.DefaultGatherer, r.registry}
}

// NewBuildInfoCollector returns a constant gauge labelled with the build
// metadata, so pushed series can be tied to a release.
func NewBuildInfoCollector(info version.Info) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "upgradejob_build_info",
			Help: "Build metadata of the upgrade job binary",
			ConstLabels: prometheus.Labels{
				"service": info.Service,
				"version": info.Version,
				"commit":  info.Commit,
			},
		},
		func() float64 { return 1 },
	)
}
