// Package metrics exposes Prometheus instrumentation for the reload runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reloads counts successful reloads per source artifact.
	Reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotswap_reloads_total",
		Help: "Number of successful module reloads.",
	}, []string{"module"})

	// Rollbacks counts reverts to a retained known-good version.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotswap_rollbacks_total",
		Help: "Number of rollbacks to a previous module version.",
	}, []string{"module"})

	// Faults counts intercepted faults by classification.
	Faults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotswap_faults_total",
		Help: "Number of intercepted guest faults by classification.",
	}, []string{"module", "class"})

	// Version reports the currently loaded version per source artifact.
	Version = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hotswap_module_version",
		Help: "Currently loaded module version.",
	}, []string{"module"})
)
