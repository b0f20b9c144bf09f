// Package promsink exposes the replication layer's MetricsSink interface as
// Prometheus counters. Counter vectors are created lazily per metric name;
// tag keys become labels.
package promsink

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements sessions.MetricsSink on a Prometheus registerer.
type Sink struct {
	reg       prometheus.Registerer
	namespace string

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
}

// New creates a Sink registering its collectors with reg. A nil reg falls
// back to the default registerer.
func New(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Sink{
		reg:       reg,
		namespace: "sessionmesh",
		counters:  make(map[string]*prometheus.CounterVec),
	}
}

// IncCounter increments the named counter with the given tags. Counters with
// the same name must always carry the same tag keys.
func (s *Sink) IncCounter(name string, tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      "sessionmesh counter " + name,
		}, keys)
		if err := s.reg.Register(vec); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = existing.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		s.counters[name] = vec
	}
	s.mu.Unlock()

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	vec.WithLabelValues(values...).Inc()
}
