package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/pkg/logging"
)

// FeatureStatus is the availability of a registered feature.
type FeatureStatus string

const (
	FeatureAvailable   FeatureStatus = "available"
	FeatureDegraded    FeatureStatus = "degraded"
	FeatureUnavailable FeatureStatus = "unavailable"
)

// Fallback is the reduced-functionality path of a feature.
type Fallback func(ctx context.Context) error

// Feature is a snapshot of one registered feature.
type Feature struct {
	Name        string        `json:"name"`
	Status      FeatureStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Since       time.Time     `json:"since"`
	HasFallback bool          `json:"hasFallback"`
}

// DegradationEvent is published on every status change.
type DegradationEvent struct {
	Feature   string
	Status    FeatureStatus
	Reason    string
	Timestamp time.Time
}

type featureEntry struct {
	mu       sync.Mutex
	name     string
	status   FeatureStatus
	reason   string
	since    time.Time
	fallback Fallback
}

func (e *featureEntry) snapshot() Feature {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Feature{
		Name:        e.name,
		Status:      e.status,
		Reason:      e.reason,
		Since:       e.since,
		HasFallback: e.fallback != nil,
	}
}

// DegradationRegistry tracks per-feature availability and routes calls to a
// fallback when a feature is switched off or starts failing.
//
// Listeners are notified synchronously after the feature lock is released.
type DegradationRegistry struct {
	clock     Clock
	mu        sync.RWMutex
	features  map[string]*featureEntry
	listeners *events.Broadcaster[DegradationEvent]
}

// NewDegradationRegistry creates an empty registry. A nil clock uses real time.
func NewDegradationRegistry(clock Clock) *DegradationRegistry {
	return &DegradationRegistry{
		clock:     clockOrSystem(clock),
		features:  make(map[string]*featureEntry),
		listeners: events.NewBroadcaster[DegradationEvent]("degradation"),
	}
}

// Subscribe registers a listener for status changes.
func (r *DegradationRegistry) Subscribe(l func(DegradationEvent)) (unsubscribe func()) {
	return r.listeners.Subscribe(l)
}

// RegisterFeature adds or replaces a feature. It starts out available.
func (r *DegradationRegistry) RegisterFeature(name string, fallback Fallback) {
	r.mu.Lock()
	r.features[name] = &featureEntry{
		name:     name,
		status:   FeatureAvailable,
		since:    r.clock.Now(),
		fallback: fallback,
	}
	r.mu.Unlock()
	logging.Debug("Degradation", "Registered feature %s (fallback: %t)", name, fallback != nil)
}

// DegradeFeature marks a feature as degraded.
func (r *DegradationRegistry) DegradeFeature(name, reason string) error {
	return r.setStatus(name, FeatureDegraded, reason)
}

// DisableFeature marks a feature as unavailable. Calls go straight to the fallback.
func (r *DegradationRegistry) DisableFeature(name, reason string) error {
	return r.setStatus(name, FeatureUnavailable, reason)
}

// RestoreFeature marks a feature as available again.
func (r *DegradationRegistry) RestoreFeature(name string) error {
	return r.setStatus(name, FeatureAvailable, "")
}

// Status returns a snapshot of a feature.
func (r *DegradationRegistry) Status(name string) (Feature, error) {
	entry, ok := r.lookup(name)
	if !ok {
		return Feature{}, api.NewFeatureNotFoundError(name)
	}
	return entry.snapshot(), nil
}

// IsAvailable reports whether a feature is registered and fully available.
func (r *DegradationRegistry) IsAvailable(name string) bool {
	f, err := r.Status(name)
	return err == nil && f.Status == FeatureAvailable
}

// Features returns snapshots of all features ordered by name.
func (r *DegradationRegistry) Features() []Feature {
	r.mu.RLock()
	entries := make([]*featureEntry, 0, len(r.features))
	for _, e := range r.features {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Feature, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteWithFallback runs fn for the named feature.
//
//   - unavailable: the fallback runs instead, or *api.IntegrationUnavailableError
//     is returned when there is none
//   - otherwise fn runs; if it fails with a should-degrade error the feature is
//     degraded and the fallback is attempted
//
// Names that were never registered run fn directly.
func (r *DegradationRegistry) ExecuteWithFallback(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.execute(ctx, name, fn, nil)
}

// ExecuteWithFallbackFunc is ExecuteWithFallback with a per-call fallback that
// takes precedence over the registered one.
func (r *DegradationRegistry) ExecuteWithFallbackFunc(ctx context.Context, name string, fn func(ctx context.Context) error, fallback Fallback) error {
	return r.execute(ctx, name, fn, fallback)
}

// WithFallback runs fn for the named feature and returns its value, or the
// value produced by fallback.
func WithFallback[T any](ctx context.Context, r *DegradationRegistry, name string, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context) (T, error)) (T, error) {
	var result T
	wrap := func(f func(ctx context.Context) (T, error)) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			v, err := f(ctx)
			if err == nil {
				result = v
			}
			return err
		}
	}
	var fb Fallback
	if fallback != nil {
		fb = wrap(fallback)
	}
	err := r.execute(ctx, name, wrap(fn), fb)
	return result, err
}

func (r *DegradationRegistry) execute(ctx context.Context, name string, fn func(ctx context.Context) error, override Fallback) error {
	entry, ok := r.lookup(name)
	if !ok {
		return fn(ctx)
	}

	entry.mu.Lock()
	status, reason, fallback := entry.status, entry.reason, entry.fallback
	entry.mu.Unlock()
	if override != nil {
		fallback = override
	}

	if status == FeatureUnavailable {
		if fallback == nil {
			return &api.IntegrationUnavailableError{Feature: name, Reason: reason}
		}
		logging.Debug("Degradation", "Feature %s unavailable, using fallback", name)
		return fallback(ctx)
	}

	err := fn(ctx)
	if err == nil || !api.ShouldDegrade(err) {
		return err
	}

	if degradeErr := r.DegradeFeature(name, err.Error()); degradeErr != nil {
		logging.Error("Degradation", degradeErr, "Failed to degrade feature %s", name)
	}
	if fallback == nil {
		return err
	}

	logging.Info("Degradation", "Feature %s degraded, using fallback: %v", name, err)
	if fbErr := fallback(ctx); fbErr != nil {
		return fmt.Errorf("feature %s fallback failed: %w", name, fbErr)
	}
	return nil
}

func (r *DegradationRegistry) lookup(name string) (*featureEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.features[name]
	return e, ok
}

func (r *DegradationRegistry) setStatus(name string, status FeatureStatus, reason string) error {
	entry, ok := r.lookup(name)
	if !ok {
		return api.NewFeatureNotFoundError(name)
	}

	entry.mu.Lock()
	changed := entry.status != status || entry.reason != reason
	now := r.clock.Now()
	if entry.status != status {
		entry.since = now
	}
	entry.status = status
	entry.reason = reason
	entry.mu.Unlock()

	if !changed {
		return nil
	}

	switch status {
	case FeatureAvailable:
		logging.Info("Degradation", "Feature %s restored", name)
	default:
		logging.Warn("Degradation", "Feature %s is now %s: %s", name, status, reason)
	}

	r.listeners.Publish(DegradationEvent{
		Feature:   name,
		Status:    status,
		Reason:    reason,
		Timestamp: now,
	})
	return nil
}
