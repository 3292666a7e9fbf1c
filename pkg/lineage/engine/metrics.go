package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haivivi/lineage/pkg/lineage"
)

// metrics are the engine's Prometheus collectors. A nil *metrics records
// nothing, which is the state when no registerer was supplied.
type metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cache    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lineage",
				Subsystem: "engine",
				Name:      "ops_total",
				Help:      "Engine operations by outcome.",
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lineage",
				Subsystem: "engine",
				Name:      "op_duration_seconds",
				Help:      "Engine operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lineage",
				Subsystem: "engine",
				Name:      "session_cache_total",
				Help:      "Session cache lookups by outcome.",
			},
			[]string{"result"},
		),
	}
	var err error
	m.ops, err = register(reg, m.ops)
	if err != nil {
		return nil, err
	}
	m.duration, err = register(reg, m.duration)
	if err != nil {
		return nil, err
	}
	m.cache, err = register(reg, m.cache)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered by an
// earlier engine on the same registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// observe records one operation. Use it as
//
//	defer e.metrics.observe("add_prompt", time.Now(), &err)
func (m *metrics) observe(op string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	result := "ok"
	if errp != nil && *errp != nil {
		result = lineage.KindOf(*errp).String()
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cache.WithLabelValues("hit").Inc()
	} else {
		m.cache.WithLabelValues("miss").Inc()
	}
}
