package layout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"valuechain/api/internal/logger"
)

// Registry holds the live trackers, one per user editing session.
type Registry struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		trackers: make(map[string]*Tracker),
	}
}

func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Open returns the tracker of the session, creating it with writer when absent.
func (r *Registry) Open(userID, sessionID string, writer Writer) *Tracker {
	key := SessionKey(userID, sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if tracker, ok := r.trackers[key]; ok {
		return tracker
	}
	tracker := NewTracker(key, writer, r.cfg)
	r.trackers[key] = tracker
	return tracker
}

func (r *Registry) Get(userID, sessionID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker, ok := r.trackers[SessionKey(userID, sessionID)]
	return tracker, ok
}

// Remove tears the session down. The tracker stays registered if its final flush fails.
func (r *Registry) Remove(ctx context.Context, userID, sessionID string) error {
	key := SessionKey(userID, sessionID)
	r.mu.Lock()
	tracker, ok := r.trackers[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := tracker.Close(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	if r.trackers[key] == tracker {
		delete(r.trackers, key)
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

func (r *Registry) snapshot() []*Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, tracker := range r.trackers {
		trackers = append(trackers, tracker)
	}
	return trackers
}

// FlushAll flushes every dirty tracker concurrently. Used on shutdown.
func (r *Registry) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, tracker := range r.snapshot() {
		tracker := tracker
		if !tracker.HasUnsavedChanges() {
			continue
		}
		g.Go(func() error {
			if err := tracker.Flush(ctx); err != nil {
				r.log.Error("layout flush on shutdown failed", "layoutSession", tracker.Key(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweep closes trackers idle for longer than idleTTL and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, idleTTL time.Duration) int {
	cutoff := r.cfg.Now().Add(-idleTTL)
	removed := 0
	for _, tracker := range r.snapshot() {
		if tracker.LastActive().After(cutoff) {
			continue
		}
		if err := tracker.Close(ctx); err != nil {
			r.log.Warn("idle layout session kept, flush failed", "layoutSession", tracker.Key(), "error", err)
			continue
		}
		r.mu.Lock()
		if r.trackers[tracker.Key()] == tracker {
			delete(r.trackers, tracker.Key())
			removed++
		}
		r.mu.Unlock()
	}
	return removed
}
