// Package metrics provides prometheus plumbing shared across components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// noopRegisterer implements prometheus.Registerer and discards everything.
// Tests that construct components without a stats pipeline use it.
type noopRegisterer struct{}

func (n *noopRegisterer) MustRegister(_ ...prometheus.Collector) {}

func (n *noopRegisterer) Register(_ prometheus.Collector) error { return nil }

func (n *noopRegisterer) Unregister(_ prometheus.Collector) bool { return true }

// NoopRegisterer is a singleton noop prometheus.Registerer.
var NoopRegisterer = &noopRegisterer{}
