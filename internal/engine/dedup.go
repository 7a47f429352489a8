package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/code-shreya/subscription-manager-sub002/internal/metrics"
	"github.com/code-shreya/subscription-manager-sub002/internal/model"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	locks map[string]*refMutex
	mu    sync.Mutex
}

type refMutex struct {
	refs int
	mu   sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// insertDetection stores d unless a matching pending detection already
// exists. It reports whether a row was written; a suppressed duplicate is
// not an error.
func (e *DetectionEngine) insertDetection(ctx context.Context, d *model.Detection) (bool, error) {
	key := service.DedupKey{
		UserID: d.UserID,
		Name:   d.Name,
		Source: d.Source,
		Amount: d.AmountOrZero(),
	}

	if e.opts.SerializeDedup {
		unlock := e.locks.lock(d.UserID + "\x00" + string(d.Source))
		defer unlock()
	}

	dup, err := e.store.HasPendingDuplicate(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup check for %q: %w", d.Name, err)
	}
	if dup {
		metrics.DetectionsSuppressed.WithLabelValues(string(d.Source)).Inc()
		e.logger.Debug("Skipping duplicate detection",
			"user_id", d.UserID,
			"source", d.Source,
			"name", d.Name)
		return false, nil
	}

	if err := e.store.CreateDetection(ctx, d); err != nil {
		return false, fmt.Errorf("store detection %q: %w", d.Name, err)
	}
	metrics.DetectionsCreated.WithLabelValues(string(d.Source)).Inc()
	return true, nil
}
