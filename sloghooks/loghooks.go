// Package sloghooks logs cache hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/synccache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	FetchStartedEvery   uint64
	FetchDiscardedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix; keys may carry
	// filter values such as user ids.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	startedCtr   atomic.Uint64
	discardedCtr atomic.Uint64
}

var _ synccache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchStarted(key string, gen uint64, background bool) {
	if h.l == nil || !sample(h.opts.FetchStartedEvery, &h.startedCtr) {
		return
	}
	h.l.Debug("synccache.fetch_started",
		"key", h.redact(key),
		"gen", gen,
		"background", background)
}

func (h *Hooks) FetchDiscarded(key string, gen, current uint64) {
	if h.l == nil || !sample(h.opts.FetchDiscardedEvery, &h.discardedCtr) {
		return
	}
	h.l.Debug("synccache.fetch_discarded",
		"key", h.redact(key),
		"gen", gen,
		"current", current)
}

func (h *Hooks) FetchFailed(key string, gen uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("synccache.fetch_failed",
		"key", h.redact(key),
		"gen", gen,
		"kind", synccache.KindOf(err).String(),
		"err", err)
}

func (h *Hooks) OptimisticApplied(mutation uint64, keys int) {
	if h.l == nil {
		return
	}
	h.l.Debug("synccache.optimistic_applied",
		"mutation", mutation,
		"keys", keys)
}

func (h *Hooks) MutationRolledBack(mutation uint64, keys int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("synccache.mutation_rolled_back",
		"mutation", mutation,
		"keys", keys,
		"kind", synccache.KindOf(err).String(),
		"err", err)
}

func (h *Hooks) Invalidated(entity, id string, marked, refetched int) {
	if h.l == nil {
		return
	}
	h.l.Info("synccache.invalidated",
		"entity", entity,
		"scope", id,
		"marked", marked,
		"refetched", refetched)
}

func (h *Hooks) SubscriberPanic(key string, v any) {
	if h.l == nil {
		return
	}
	h.l.Error("synccache.subscriber_panic",
		"key", h.redact(key),
		"panic", v)
}
