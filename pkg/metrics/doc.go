// Package metrics exposes task service activity as Prometheus metrics.
//
// [Metrics] implements the service observer hooks. Every series carries the
// node instance id as a constant label so several nodes can be scraped into
// one Prometheus without colliding.
//
// Usage:
//
//	m := metrics.New(metrics.WithNamespace("billing"))
//	svc := clustertasks.New(
//	    clustertasks.WithObserver(m),
//	    // ...
//	)
//	r.Handle("/metrics", m.Handler())
package metrics
