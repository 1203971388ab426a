// Package metrics exports store activity as Prometheus metrics. A Collector
// attaches to a store through the interceptor surface; it observes writes,
// recomputations, notifications, async discards, errors, and removals without
// the engine knowing Prometheus exists.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftlabs/weft"
)

// Collector translates interceptor events into Prometheus metrics. Create one
// per store, attach it with weft.WithInterceptor(c.Interceptor()), and call
// ObserveStore from the store's own goroutine whenever a fresh node count is
// worth publishing.
type Collector struct {
	writes        prometheus.Counter
	recomputes    *prometheus.CounterVec
	notifications prometheus.Counter
	discards      prometheus.Counter
	errors        *prometheus.CounterVec
	removals      prometheus.Counter
	nodes         prometheus.Gauge
}

// New creates a collector and registers its metrics with reg. A nil reg falls
// back to the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "writes_total",
			Help:      "Writes committed to writable cells, after equality gating.",
		}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "recomputations_total",
			Help:      "Computation runs by outcome.",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "notifications_total",
			Help:      "Per-cell notification rounds after committed cycles.",
		}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "async_discards_total",
			Help:      "Asynchronous results dropped by the generation check.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "errors_total",
			Help:      "Errors surfaced to callers or hooks, by code.",
		}, []string{"code"}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "removals_total",
			Help:      "Nodes removed from the graph.",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weft",
			Name:      "nodes",
			Help:      "Materialized nodes at the last observation.",
		}),
	}
	reg.MustRegister(c.writes, c.recomputes, c.notifications, c.discards, c.errors, c.removals, c.nodes)
	return c
}

// Interceptor returns the hook set feeding the counters. Attach it with
// weft.WithInterceptor at store construction.
func (c *Collector) Interceptor() weft.Interceptor {
	return weft.Interceptor{
		AfterWrite: func(*weft.WriteEvent) { c.writes.Inc() },
		OnRecompute: func(ev *weft.RecomputeEvent) {
			c.recomputes.WithLabelValues(string(ev.Result)).Inc()
		},
		OnNotify:  func(*weft.NotifyEvent) { c.notifications.Inc() },
		OnDiscard: func(*weft.DiscardEvent) { c.discards.Inc() },
		OnError: func(ev *weft.ErrorEvent) {
			c.errors.WithLabelValues(errorCode(ev)).Inc()
		},
		OnRemove: func(*weft.RemoveEvent) { c.removals.Inc() },
	}
}

func errorCode(ev *weft.ErrorEvent) string {
	if ev.Code != "" {
		return string(ev.Code)
	}
	return "unknown"
}

// ObserveStore publishes the store's current node count. Call it from the
// store's own goroutine; the store's tables must not be read concurrently
// with its operations.
func (c *Collector) ObserveStore(st *weft.Store) {
	c.nodes.Set(float64(st.Len()))
}
