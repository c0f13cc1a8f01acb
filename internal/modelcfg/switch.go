package modelcfg

import "sync"

// Switch hands configuration snapshots to sessions and defers changes that
// arrive while a session has a turn in flight. An in-flight turn always
// finishes under the snapshot it started with; the queued revision becomes
// visible at the session's next idle transition.
type Switch struct {
	mu      sync.Mutex
	current Configuration
	active  map[string]Configuration
	pending map[string]Configuration
}

func NewSwitch(initial Configuration) *Switch {
	return &Switch{
		current: initial.Clone(),
		active:  make(map[string]Configuration),
		pending: make(map[string]Configuration),
	}
}

// Current returns the configuration new sessions start from.
func (s *Switch) Current() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// SetCurrent replaces the configuration for future sessions.
func (s *Switch) SetCurrent(cfg Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg.Clone()
}

// Apply routes a configuration change to one session. When idle is true the
// change takes effect immediately; otherwise it is queued. Returns whether
// the change was applied now.
func (s *Switch) Apply(sessionID string, cfg Configuration, idle bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idle {
		s.active[sessionID] = cfg.Clone()
		delete(s.pending, sessionID)
		return true
	}
	s.pending[sessionID] = cfg.Clone()
	return false
}

// Snapshot returns the configuration a new turn for this session must run
// under.
func (s *Switch) Snapshot(sessionID string) Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.active[sessionID]; ok {
		return cfg.Clone()
	}
	return s.current.Clone()
}

// PromotePending activates a queued change at an idle transition. Reports
// whether anything was promoted.
func (s *Switch) PromotePending(sessionID string) (Configuration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.pending[sessionID]
	if !ok {
		return Configuration{}, false
	}
	delete(s.pending, sessionID)
	s.active[sessionID] = cfg
	return cfg.Clone(), true
}

// Forget drops per-session state once the session is disconnected.
func (s *Switch) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	delete(s.pending, sessionID)
}
