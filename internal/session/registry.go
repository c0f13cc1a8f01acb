package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lcorbo/voxhub/internal/modelcfg"
)

// ConfigSource hands out the configuration a new session starts from.
type ConfigSource interface {
	Configuration(language string, audioOutput bool) modelcfg.Configuration
}

// Registry tracks every live session and evicts the ones that go quiet.
// Eviction disconnects the session first so the turn in flight, if any, is
// cancelled and its recording saved.
type Registry struct {
	deps       Deps
	source     ConfigSource
	inactivity time.Duration

	mu       sync.RWMutex
	sessions map[string]*Machine

	onEvict func(*Machine)
}

func NewRegistry(deps Deps, source ConfigSource, inactivity time.Duration) *Registry {
	if inactivity < 5*time.Second {
		inactivity = 5 * time.Second
	}
	return &Registry{
		deps:       deps,
		source:     source,
		inactivity: inactivity,
		sessions:   make(map[string]*Machine),
	}
}

// OnEvict installs a hook invoked after a session is evicted for
// inactivity. Install before StartJanitor.
func (r *Registry) OnEvict(fn func(*Machine)) {
	r.onEvict = fn
}

// Create allocates a disconnected session and pins its starting
// configuration.
func (r *Registry) Create(language string, audioOutput bool) *Machine {
	id := uuid.NewString()
	cfg := r.source.Configuration(language, audioOutput)
	r.deps.Configs.Apply(id, cfg, true)
	m := NewMachine(id, language, r.deps)

	r.mu.Lock()
	r.sessions[id] = m
	r.mu.Unlock()

	r.deps.Metrics.ActiveSessions.Inc()
	r.deps.Metrics.SessionEvents.WithLabelValues("created").Inc()
	return m
}

// Get returns a live session. Evicted and ended sessions are gone for good.
func (r *Registry) Get(id string) (*Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// End disconnects a session and removes it from the registry.
func (r *Registry) End(id string, reason string) (Status, error) {
	r.mu.Lock()
	m, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return Status{}, ErrNotFound
	}

	m.Disconnect(reason)
	r.deps.Metrics.ActiveSessions.Dec()
	return m.Status(), nil
}

// Broadcast applies a configuration change to every live session. Returns
// how many sessions switched immediately; the rest queued it for their next
// idle transition.
func (r *Registry) Broadcast(cfg modelcfg.Configuration) int {
	r.mu.RLock()
	machines := make([]*Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		machines = append(machines, m)
	}
	r.mu.RUnlock()

	applied := 0
	for _, m := range machines {
		if m.ApplyConfig(cfg) {
			applied++
		}
	}
	return applied
}

// Touch resets one session's idle-eviction clock.
func (r *Registry) Touch(id string) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	m.Touch()
	return nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartJanitor sweeps for inactive sessions until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	cutoff := time.Now().UTC().Add(-r.inactivity)

	r.mu.Lock()
	var expired []*Machine
	for id, m := range r.sessions {
		if m.LastActivity().Before(cutoff) {
			expired = append(expired, m)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, m := range expired {
		m.Disconnect("inactivity_timeout")
		r.deps.Metrics.ActiveSessions.Dec()
		r.deps.Metrics.SessionEvents.WithLabelValues("evicted").Inc()
		if r.onEvict != nil {
			r.onEvict(m)
		}
	}
}
