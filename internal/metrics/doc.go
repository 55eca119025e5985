// Package metrics exposes Prometheus collectors for test runs, resilience
// primitives and flaky detection.
//
// The Observe* methods have the signatures of the hooks and listeners of
// the packages they measure, so wiring is a matter of passing method values:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	engine.Subscribe(m.ObserveRun)
//	registry.Subscribe(m.ObserveDegradation)
package metrics
