package modelcfg

import "testing"

func TestSwitchAppliesImmediatelyWhenIdle(t *testing.T) {
	s := NewSwitch(Configuration{Revision: "base"})
	next := Configuration{Revision: "next"}

	if !s.Apply("sess-1", next, true) {
		t.Fatalf("Apply(idle) = false, want true")
	}
	if got := s.Snapshot("sess-1").Revision; got != "next" {
		t.Fatalf("Snapshot revision = %q, want %q", got, "next")
	}
}

func TestSwitchDefersWhenBusy(t *testing.T) {
	s := NewSwitch(Configuration{Revision: "base"})
	next := Configuration{Revision: "next"}

	if s.Apply("sess-1", next, false) {
		t.Fatalf("Apply(busy) = true, want false")
	}
	// The in-flight snapshot is unchanged until the idle transition.
	if got := s.Snapshot("sess-1").Revision; got != "base" {
		t.Fatalf("Snapshot revision = %q, want %q", got, "base")
	}

	promoted, ok := s.PromotePending("sess-1")
	if !ok || promoted.Revision != "next" {
		t.Fatalf("PromotePending = %+v, %v", promoted, ok)
	}
	if got := s.Snapshot("sess-1").Revision; got != "next" {
		t.Fatalf("Snapshot after promote = %q, want %q", got, "next")
	}
}

func TestSwitchLastWriteWinsWhileBusy(t *testing.T) {
	s := NewSwitch(Configuration{Revision: "base"})
	s.Apply("sess-1", Configuration{Revision: "a"}, false)
	s.Apply("sess-1", Configuration{Revision: "b"}, false)

	promoted, ok := s.PromotePending("sess-1")
	if !ok || promoted.Revision != "b" {
		t.Fatalf("PromotePending = %+v, %v, want revision b", promoted, ok)
	}
	if _, ok := s.PromotePending("sess-1"); ok {
		t.Fatalf("second PromotePending = true, want false")
	}
}

func TestSwitchForgetDropsSessionState(t *testing.T) {
	s := NewSwitch(Configuration{Revision: "base"})
	s.Apply("sess-1", Configuration{Revision: "next"}, true)
	s.Forget("sess-1")

	if got := s.Snapshot("sess-1").Revision; got != "base" {
		t.Fatalf("Snapshot after Forget = %q, want %q", got, "base")
	}
}

func TestSwitchSnapshotIsACopy(t *testing.T) {
	s := NewSwitch(Configuration{
		Revision:  "base",
		LLMParams: Params{"temperature": 0.7},
	})

	snap := s.Snapshot("sess-1")
	snap.LLMParams["temperature"] = 0.0

	if got := s.Snapshot("sess-1").LLMParams["temperature"]; got != 0.7 {
		t.Fatalf("shared params mutated, temperature = %v", got)
	}
}
