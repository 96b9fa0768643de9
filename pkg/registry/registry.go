// Package registry keeps every transfer in memory and persists each change to a durable store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrTransferExists   = errors.New("transfer already exists")
)

// entry serializes writers of one transfer. The snapshot is immutable once stored,
// so readers never wait for a writer.
type entry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[models.Transfer]
}

// Registry is the in-memory source of truth for transfers, backed by a Store
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  Store
	logger logger.Logger
	now    func() time.Time
}

// New creates a registry persisting to store (NopStore when nil)
func New(store Store, l logger.Logger) *Registry {
	if store == nil {
		store = NopStore{}
	}
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		logger:  l,
		now:     time.Now,
	}
}

// Load fills the registry from the store, typically once at startup
func (r *Registry) Load(ctx context.Context) (int, error) {
	transfers, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load transfers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range transfers {
		e := &entry{}
		e.snapshot.Store(t)
		r.entries[t.ID] = e
	}
	return len(transfers), nil
}

// Create persists a new transfer. The id must be unused.
func (r *Registry) Create(ctx context.Context, t *models.Transfer) error {
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.entries[t.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferExists, t.ID)
	}
	r.entries[t.ID] = e
	r.mu.Unlock()

	c := t.Clone()
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if err := r.store.Save(ctx, c); err != nil {
		r.mu.Lock()
		delete(r.entries, t.ID)
		r.mu.Unlock()
		return fmt.Errorf("failed to persist transfer %s: %w", t.ID, err)
	}
	e.snapshot.Store(c)
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a deep copy of the transfer
func (r *Registry) Get(id string) (*models.Transfer, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	t := e.snapshot.Load()
	if t == nil {
		// still being created
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies mutate to a copy of the transfer, persists the copy, then publishes it.
// When mutate or the store fails the transfer is left unchanged.
// Updates of the same transfer are serialized, different transfers never block each other.
func (r *Registry) Update(ctx context.Context, id string, mutate func(t *models.Transfer) error) (*models.Transfer, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()

	if err := r.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist transfer %s: %w", id, err)
	}
	e.snapshot.Store(next)
	return next.Clone(), nil
}

// List returns copies of the transfers accepted by keep (all when nil), oldest first
func (r *Registry) List(keep func(t *models.Transfer) bool) []*models.Transfer {
	r.mu.RLock()
	snapshots := make([]*models.Transfer, 0, len(r.entries))
	for _, e := range r.entries {
		if t := e.snapshot.Load(); t != nil {
			snapshots = append(snapshots, t)
		}
	}
	r.mu.RUnlock()

	out := make([]*models.Transfer, 0, len(snapshots))
	for _, t := range snapshots {
		if keep == nil || keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Unfinished selects transfers that still have work to do: not settled, failed or cancelled
func Unfinished(t *models.Transfer) bool {
	return !t.Stopped()
}

// HasTimedOutLeg selects transfers with at least one timed out leg
func HasTimedOutLeg(t *models.Transfer) bool {
	for i := range t.Legs {
		if t.Legs[i].Status == models.LegTimedOut {
			return true
		}
	}
	return false
}

// CountByState returns the number of transfers per derived state.
// "cancelled" counts cancelled transfers on top of their state.
func (r *Registry) CountByState() map[string]int {
	counts := map[string]int{
		string(models.TransferPending):   0,
		string(models.TransferCompleted): 0,
		string(models.TransferFailed):    0,
		"cancelled":                      0,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if t := e.snapshot.Load(); t != nil {
			counts[string(t.State())]++
			if t.Cancelled() {
				counts["cancelled"]++
			}
		}
	}
	return counts
}

// Close releases the underlying store
func (r *Registry) Close() error {
	return r.store.Close()
}
