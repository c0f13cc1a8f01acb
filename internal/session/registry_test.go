package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/pipeline"
	"github.com/lcorbo/voxhub/internal/recordings"
	"github.com/lcorbo/voxhub/internal/stage"
	"github.com/lcorbo/voxhub/internal/stage/stagetest"
)

type staticSource struct{}

func (staticSource) Configuration(language string, audioOutput bool) modelcfg.Configuration {
	return modelcfg.Configuration{
		Revision:    "rev-reg",
		Language:    language,
		AudioOutput: audioOutput,
	}
}

func newTestRegistry(t *testing.T, inactivity time.Duration) *Registry {
	t.Helper()
	coord := pipeline.New(
		stagetest.Final(stage.KindSTT, "x"),
		stagetest.Final(stage.KindLLM, "y"),
		stagetest.Final(stage.KindTTS, ""),
		testMetricsInstance,
		pipeline.Config{RetryBackoff: time.Millisecond},
	)
	deps := Deps{
		Coordinator:    coord,
		Configs:        modelcfg.NewSwitch(modelcfg.Configuration{Revision: "rev-base"}),
		Recordings:     recordings.NewInMemoryStore(),
		Metrics:        testMetricsInstance,
		ConnectTimeout: time.Second,
		HistoryLimit:   8,
	}
	return NewRegistry(deps, staticSource{}, inactivity)
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	m := r.Create("en", true)

	got, err := r.Get(m.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != m {
		t.Fatalf("Get() returned a different machine")
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	st := m.Status()
	if st.State != StateDisconnected {
		t.Fatalf("new session state = %q, want disconnected", st.State)
	}
	if st.ConfigRevision != "rev-reg" {
		t.Fatalf("pinned revision = %q, want rev-reg", st.ConfigRevision)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryEndRemovesSession(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	m := r.Create("en", true)

	st, err := r.End(m.ID(), "client_request")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if st.State != StateDisconnected {
		t.Fatalf("ended state = %q, want disconnected", st.State)
	}
	if _, err := r.Get(m.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
	if _, err := r.End(m.ID(), "client_request"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double End() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryEvictsInactiveSessions(t *testing.T) {
	r := newTestRegistry(t, 5*time.Second)
	// The floor clamps shorter timeouts; reach in for a fast test.
	r.inactivity = 20 * time.Millisecond

	m := r.Create("en", true)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	evicted := make(chan *Machine, 1)
	r.OnEvict(func(m *Machine) { evicted <- m })

	time.Sleep(30 * time.Millisecond)
	r.expireInactive()

	select {
	case got := <-evicted:
		if got.ID() != m.ID() {
			t.Fatalf("evicted %q, want %q", got.ID(), m.ID())
		}
	default:
		t.Fatalf("eviction hook not called")
	}

	if _, err := r.Get(m.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after eviction error = %v, want ErrNotFound", err)
	}
	if got := m.Status().State; got != StateDisconnected {
		t.Fatalf("evicted session state = %q, want disconnected", got)
	}
}

func TestRegistryKeepsActiveSessions(t *testing.T) {
	r := newTestRegistry(t, 5*time.Second)
	r.inactivity = 50 * time.Millisecond

	m := r.Create("en", true)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Activity within the window keeps the session alive.
	time.Sleep(20 * time.Millisecond)
	_ = m.BeginCapture("voice")
	r.expireInactive()

	if _, err := r.Get(m.ID()); err != nil {
		t.Fatalf("Get() after sweep error = %v", err)
	}
}

func TestRegistryBroadcastCountsImmediateApplies(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	a := r.Create("en", true)
	_ = r.Create("en", true)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	applied := r.Broadcast(modelcfg.Configuration{Revision: "rev-bcast"})
	if applied != 2 {
		// Both sessions count: one idle, one still disconnected.
		t.Fatalf("Broadcast() applied = %d, want 2", applied)
	}
}
