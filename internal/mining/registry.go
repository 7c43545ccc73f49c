package mining

import (
	"errors"
	"sync"

	"github.com/JakeFAU/pagemine/internal/storage"
)

// Registry hands out one Tracker per progress key. With per-page keys enabled
// operations on different pages use separate slots; otherwise every page
// shares the single default slot.
type Registry struct {
	store   storage.Store
	cfg     TrackerConfig
	perPage bool

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry builds a Registry. cfg.Key is the base key.
func NewRegistry(store storage.Store, cfg TrackerConfig, perPage bool) (*Registry, error) {
	if store == nil {
		return nil, errors.New("progress store is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Registry{
		store:    store,
		cfg:      cfg,
		perPage:  perPage,
		trackers: make(map[string]*Tracker),
	}, nil
}

// For returns the tracker responsible for pageID.
func (r *Registry) For(pageID string) (*Tracker, error) {
	key := r.cfg.Key
	if r.perPage {
		key = KeyFor(r.cfg.Key, pageID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[key]; ok {
		return t, nil
	}
	cfg := r.cfg
	cfg.Key = key
	t, err := NewTracker(r.store, cfg)
	if err != nil {
		return nil, err
	}
	r.trackers[key] = t
	return t, nil
}

// PerPage reports whether keys are namespaced by page.
func (r *Registry) PerPage() bool { return r.perPage }

// Close stops every tracker's timers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, t := range r.trackers {
		errs = append(errs, t.Close())
		delete(r.trackers, key)
	}
	return errors.Join(errs...)
}
