package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/observability"
	"github.com/lcorbo/voxhub/internal/pipeline"
	"github.com/lcorbo/voxhub/internal/protocol"
	"github.com/lcorbo/voxhub/internal/recordings"
	"github.com/lcorbo/voxhub/internal/turn"
)

// State is the session lifecycle position. Transitions are driven only by
// Machine methods and by pipeline completion, never by external mutation.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateProcessing   State = "processing"
	StateResponding   State = "responding"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("operation not valid in current session state")
	ErrConnect      = errors.New("session connect failed")
)

// Handshake is the transport-level connect step. A nil handshake succeeds
// immediately, which is what the websocket gateway uses since the upgrade
// already happened by the time Connect runs.
type Handshake func(ctx context.Context) error

// Deps bundles the collaborators a Machine needs. One Deps value is shared
// by every session the registry creates.
type Deps struct {
	Coordinator    *pipeline.Coordinator
	Configs        *modelcfg.Switch
	Recordings     recordings.Store
	Metrics        *observability.Metrics
	Handshake      Handshake
	ConnectTimeout time.Duration
	HistoryLimit   int
}

// Status is a point-in-time snapshot of a session for the HTTP surface.
type Status struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	Language       string    `json:"language"`
	ConfigRevision string    `json:"config_revision"`
	TurnCount      int       `json:"turn_count"`
	ActiveTurnID   string    `json:"active_turn_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Machine owns one session: its state, its turn log and the single in-flight
// turn. All mutation happens under mu; the pipeline consumer goroutine takes
// the same lock, so outbound events are emitted in a deterministic order.
type Machine struct {
	id   string
	deps Deps

	mu           sync.Mutex
	state        State
	language     string
	buf          *turn.Buffer
	turns        []*turn.Turn
	active       *turn.Turn
	cancelTurn   context.CancelFunc
	gen          uint64
	createdAt    time.Time
	lastActivity time.Time

	events chan any
}

func NewMachine(id, language string, deps Deps) *Machine {
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = 10 * time.Second
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 8
	}
	now := time.Now().UTC()
	return &Machine{
		id:           id,
		deps:         deps,
		state:        StateDisconnected,
		language:     language,
		createdAt:    now,
		lastActivity: now,
		events:       make(chan any, 256),
	}
}

func (m *Machine) ID() string { return m.id }

// Events is the ordered outbound stream the transport drains. The channel is
// never closed; consumers stop on their own transport lifecycle.
func (m *Machine) Events() <-chan any { return m.events }

// Connect performs the handshake and moves the session to idle. Only valid
// from disconnected; a failed or timed-out handshake returns the session to
// disconnected.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", ErrInvalidState)
	}
	m.state = StateConnecting
	m.touchLocked()
	m.sendLocked(m.stateEvent(StateConnecting, "", ""))
	m.mu.Unlock()

	var err error
	if m.deps.Handshake != nil {
		hctx, cancel := context.WithTimeout(ctx, m.deps.ConnectTimeout)
		err = m.deps.Handshake(hctx)
		cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting {
		// A Disconnect landed while the handshake ran; disconnected is
		// terminal and the lost handshake must not revive the session.
		return fmt.Errorf("connect: %w", ErrInvalidState)
	}
	if err != nil {
		m.state = StateDisconnected
		m.sendLocked(m.stateEvent(StateDisconnected, "", "connect_failed"))
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	m.enterIdleLocked("", "")
	return nil
}

// BeginCapture opens a fresh input buffer. From processing or responding
// this is a barge-in: the in-flight turn is cancelled first, then capture
// starts, and the cancellation acknowledgement precedes any event of the
// new turn.
func (m *Machine) BeginCapture(origin turn.Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled *turn.Turn
	switch m.state {
	case StateIdle:
	case StateProcessing, StateResponding:
		cancelled = m.cancelActiveLocked()
		m.deps.Metrics.SessionEvents.WithLabelValues("barge_in").Inc()
	default:
		return fmt.Errorf("begin capture: %w", ErrInvalidState)
	}

	m.state = StateCapturing
	m.buf = turn.NewBuffer(origin)
	m.touchLocked()
	if cancelled != nil {
		m.sendLocked(m.stateEvent(StateCapturing, cancelled.ID, "cancelled"))
	} else {
		m.sendLocked(m.stateEvent(StateCapturing, "", ""))
	}
	return nil
}

// AppendInput adds one fragment to the open capture buffer.
func (m *Machine) AppendInput(f turn.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCapturing {
		return fmt.Errorf("append input: %w", ErrInvalidState)
	}
	m.touchLocked()
	return m.buf.Append(f)
}

// EndCapture seals the buffer into a turn and starts the pipeline under the
// session's current configuration snapshot. The snapshot is pinned to the
// turn; changes applied while it runs wait for the next idle transition.
func (m *Machine) EndCapture() (*turn.Turn, error) {
	m.mu.Lock()
	if m.state != StateCapturing {
		m.mu.Unlock()
		return nil, fmt.Errorf("end capture: %w", ErrInvalidState)
	}

	payload := m.buf.Close()
	cfg := m.deps.Configs.Snapshot(m.id)
	t := turn.New(m.id, payload, cfg.Revision)
	if t.Origin == turn.OriginVoice {
		t.Advance(turn.StatusTranscribing)
	} else {
		t.Advance(turn.StatusThinking)
	}
	m.turns = append(m.turns, t)
	m.active = t
	m.state = StateProcessing
	m.touchLocked()

	turnCtx, cancel := context.WithCancel(context.Background())
	m.cancelTurn = cancel
	m.gen++
	gen := m.gen
	history := m.historyLocked()
	m.sendLocked(m.stateEvent(StateProcessing, t.ID, ""))
	m.mu.Unlock()

	events := m.deps.Coordinator.Run(turnCtx, t, cfg, history)
	go m.consume(turnCtx, gen, t, cfg, events)
	return t, nil
}

// Cancel aborts the current capture or in-flight turn and returns the
// session to idle.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateCapturing:
		m.buf = nil
		m.touchLocked()
		m.enterIdleLocked("", "capture_discarded")
		return nil
	case StateProcessing, StateResponding:
		cancelled := m.cancelActiveLocked()
		m.touchLocked()
		turnID := ""
		if cancelled != nil {
			turnID = cancelled.ID
		}
		m.enterIdleLocked(turnID, "cancelled")
		return nil
	default:
		return fmt.Errorf("cancel: %w", ErrInvalidState)
	}
}

// Disconnect terminally closes the session. Valid from any state and
// idempotent; an in-flight turn is cancelled first.
func (m *Machine) Disconnect(reason string) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	cancelled := m.cancelActiveLocked()
	m.state = StateDisconnected
	m.buf = nil
	turnID := ""
	if cancelled != nil {
		turnID = cancelled.ID
	}
	m.sendLocked(m.stateEvent(StateDisconnected, turnID, reason))
	m.mu.Unlock()

	m.deps.Configs.Forget(m.id)
	m.deps.Metrics.SessionEvents.WithLabelValues("disconnected").Inc()
}

// ApplyConfig routes a configuration change to this session. Idle sessions
// switch immediately; any other state queues the change for the next idle
// transition. The session keeps its own language and audio preference across
// the switch. Reports whether the change took effect now.
func (m *Machine) ApplyConfig(cfg modelcfg.Configuration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.deps.Configs.Snapshot(m.id)
	cfg.Language = cur.Language
	cfg.AudioOutput = cur.AudioOutput
	idle := m.state == StateIdle || m.state == StateDisconnected || m.state == StateConnecting
	applied := m.deps.Configs.Apply(m.id, cfg, idle)
	if applied {
		m.sendLocked(m.stateEvent(m.state, "", "config_applied"))
	}
	return applied
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		SessionID:      m.id,
		State:          m.state,
		Language:       m.language,
		ConfigRevision: m.deps.Configs.Snapshot(m.id).Revision,
		TurnCount:      len(m.turns),
		CreatedAt:      m.createdAt,
		LastActivityAt: m.lastActivity,
	}
	if m.active != nil {
		st.ActiveTurnID = m.active.ID
	}
	return st
}

// Touch resets the idle-eviction clock without changing state.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()
}

func (m *Machine) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Turns returns a copy of the turn log, oldest first.
func (m *Machine) Turns() []*turn.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*turn.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// consume forwards pipeline events for one turn into the outbound stream and
// keeps the turn record current. A generation check makes superseded
// consumers (barge-in, cancel, disconnect) fall silent immediately.
func (m *Machine) consume(ctx context.Context, gen uint64, t *turn.Turn, cfg modelcfg.Configuration, events <-chan pipeline.Event) {
	for e := range events {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		switch e.Type {
		case pipeline.EventTranscriptPartial:
			m.sendLocked(protocol.TranscriptPartial{
				Type: protocol.TypeTranscriptPartial, SessionID: m.id, TurnID: t.ID,
				Text: e.Text, Confidence: e.Confidence,
			})
		case pipeline.EventTranscriptFinal:
			t.Transcript = e.Text
			t.Confidence = e.Confidence
			t.Advance(turn.StatusThinking)
			m.sendLocked(protocol.TranscriptFinal{
				Type: protocol.TypeTranscriptFinal, SessionID: m.id, TurnID: t.ID,
				Text: e.Text, Confidence: e.Confidence,
			})
		case pipeline.EventResponsePartial:
			m.sendLocked(protocol.ResponsePartial{
				Type: protocol.TypeResponsePartial, SessionID: m.id, TurnID: t.ID,
				TextDelta: e.Text,
			})
		case pipeline.EventResponseFinal:
			t.Response = e.Text
			m.sendLocked(protocol.ResponseFinal{
				Type: protocol.TypeResponseFinal, SessionID: m.id, TurnID: t.ID,
				Text: e.Text,
			})
			if cfg.AudioOutput {
				t.Advance(turn.StatusSpeaking)
			}
			m.state = StateResponding
			m.sendLocked(m.stateEvent(StateResponding, t.ID, ""))
		case pipeline.EventAudioChunk:
			m.sendLocked(protocol.AudioChunk{
				Type: protocol.TypeAudioChunk, SessionID: m.id, TurnID: t.ID,
				Seq: e.Seq, Format: e.Format, AudioBase64: e.AudioBase64,
			})
		case pipeline.EventAudioFinal:
			t.AudioRef = "turns/" + t.ID + "/audio"
			m.sendLocked(protocol.AudioChunk{
				Type: protocol.TypeAudioChunk, SessionID: m.id, TurnID: t.ID,
				Seq: e.Seq, Format: e.Format, AudioBase64: e.AudioBase64, Final: true,
			})
		case pipeline.EventStageFailed:
			t.Fail(e.Stage, e.Kind)
			m.sendLocked(protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, SessionID: m.id, TurnID: t.ID,
				Code: "stage_failed", Stage: string(e.Stage), Kind: string(e.Kind),
				Retryable: e.Kind.Retryable(), Detail: e.Detail,
			})
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.gen != gen || ctx.Err() != nil {
		// Superseded or cancelled; the canceller already did the bookkeeping.
		m.mu.Unlock()
		return
	}
	m.cancelTurn = nil
	m.active = nil
	if !t.Terminal() {
		t.Advance(turn.StatusDone)
	}
	reason := "completed"
	if t.Status == turn.StatusFailed {
		reason = "failed"
		m.deps.Metrics.SessionEvents.WithLabelValues("turn_failed").Inc()
	} else {
		m.deps.Metrics.SessionEvents.WithLabelValues("turn_completed").Inc()
	}
	m.touchLocked()
	m.enterIdleLocked(t.ID, reason)
	m.mu.Unlock()

	m.saveRecording(t, cfg)
}

// cancelActiveLocked stops the in-flight turn, marks it cancelled and bumps
// the generation so its consumer emits nothing further.
func (m *Machine) cancelActiveLocked() *turn.Turn {
	if m.cancelTurn != nil {
		m.cancelTurn()
		m.cancelTurn = nil
	}
	m.gen++
	t := m.active
	m.active = nil
	if t == nil {
		return nil
	}
	if !t.Terminal() {
		t.Advance(turn.StatusCancelled)
	}
	go m.saveRecording(t, modelcfg.Configuration{Language: m.language})
	m.deps.Metrics.SessionEvents.WithLabelValues("turn_cancelled").Inc()
	return t
}

// enterIdleLocked moves the session to idle, promoting any configuration
// change queued while a turn was in flight.
func (m *Machine) enterIdleLocked(turnID, reason string) {
	m.state = StateIdle
	if _, ok := m.deps.Configs.PromotePending(m.id); ok {
		m.sendLocked(m.stateEvent(StateIdle, "", "config_applied"))
	}
	m.sendLocked(m.stateEvent(StateIdle, turnID, reason))
}

// historyLocked renders the most recent completed exchanges for the LLM
// prompt window, oldest first.
func (m *Machine) historyLocked() []string {
	var lines []string
	start := 0
	if n := len(m.turns) - m.deps.HistoryLimit; n > 0 {
		start = n
	}
	for _, t := range m.turns[start:] {
		if t.Status != turn.StatusDone {
			continue
		}
		input := t.Transcript
		if input == "" {
			input = t.InputText
		}
		lines = append(lines, "user: "+input, "assistant: "+t.Response)
	}
	return lines
}

func (m *Machine) saveRecording(t *turn.Turn, cfg modelcfg.Configuration) {
	if m.deps.Recordings == nil {
		return
	}
	language := cfg.Language
	if language == "" {
		language = m.language
	}
	rec := recordings.Record{
		SessionID:  m.id,
		TurnID:     t.ID,
		Transcript: t.Transcript,
		Response:   t.Response,
		DurationMS: t.DurationMS(),
		Language:   language,
		Status:     string(t.Status),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.deps.Recordings.Save(ctx, rec); err != nil {
		m.deps.Metrics.SessionEvents.WithLabelValues("recording_save_failed").Inc()
	}
}

func (m *Machine) stateEvent(s State, turnID, reason string) protocol.StateEvent {
	return protocol.StateEvent{
		Type:      protocol.TypeStateEvent,
		SessionID: m.id,
		State:     string(s),
		TurnID:    turnID,
		Reason:    reason,
	}
}

// sendLocked emits one outbound event without blocking. A slow or absent
// consumer drops events rather than stalling the session.
func (m *Machine) sendLocked(msg any) {
	select {
	case m.events <- msg:
	default:
		m.deps.Metrics.SessionEvents.WithLabelValues("outbound_dropped").Inc()
	}
}

func (m *Machine) touchLocked() {
	m.lastActivity = time.Now().UTC()
}
