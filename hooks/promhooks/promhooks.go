// Package promhooks exports cache hook events as Prometheus metrics.
//
// Keys are not used as labels; their cardinality is unbounded. Entity names
// label invalidations only.
package promhooks

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/synccache"
)

type Hooks struct {
	fetches     *prometheus.CounterVec
	discarded   prometheus.Counter
	failures    *prometheus.CounterVec
	optimistic  prometheus.Counter
	rollbacks   *prometheus.CounterVec
	invalidated *prometheus.CounterVec
	marked      *prometheus.CounterVec
	refetched   *prometheus.CounterVec
	panics      prometheus.Counter
}

var _ synccache.Hooks = (*Hooks)(nil)

// New creates the metrics under namespace and registers them with reg.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	h := &Hooks{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_started_total",
			Help:      "Fetches issued, by whether cached data was being served meanwhile",
		}, []string{"background"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_discarded_total",
			Help:      "Fetch responses dropped because a newer request superseded them",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Fetches that failed after retries",
		}, []string{"kind"}),
		optimistic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Mutations whose optimistic data was applied",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_rollbacks_total",
			Help:      "Mutations rolled back after the remote call failed",
		}, []string{"kind"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_events_total",
			Help:      "Invalidation events applied",
		}, []string{"entity"}),
		marked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_marked_keys_total",
			Help:      "Keys flipped to stale by invalidation events",
		}, []string{"entity"}),
		refetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_refetches_total",
			Help:      "Background refetches started by invalidation events",
		}, []string{"entity"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Recovered subscriber panics",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			h.fetches, h.discarded, h.failures, h.optimistic, h.rollbacks,
			h.invalidated, h.marked, h.refetched, h.panics,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Hooks) FetchStarted(_ string, _ uint64, background bool) {
	h.fetches.WithLabelValues(strconv.FormatBool(background)).Inc()
}

func (h *Hooks) FetchDiscarded(string, uint64, uint64) { h.discarded.Inc() }

func (h *Hooks) FetchFailed(_ string, _ uint64, err error) {
	h.failures.WithLabelValues(synccache.KindOf(err).String()).Inc()
}

func (h *Hooks) OptimisticApplied(uint64, int) { h.optimistic.Inc() }

func (h *Hooks) MutationRolledBack(_ uint64, _ int, err error) {
	h.rollbacks.WithLabelValues(synccache.KindOf(err).String()).Inc()
}

func (h *Hooks) Invalidated(entity, _ string, marked, refetched int) {
	h.invalidated.WithLabelValues(entity).Inc()
	h.marked.WithLabelValues(entity).Add(float64(marked))
	h.refetched.WithLabelValues(entity).Add(float64(refetched))
}

func (h *Hooks) SubscriberPanic(string, any) { h.panics.Inc() }
