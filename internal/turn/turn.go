package turn

import (
	"time"

	"github.com/google/uuid"

	"github.com/lcorbo/voxhub/internal/stage"
)

type Origin string

const (
	OriginVoice Origin = "voice"
	OriginText  Origin = "text"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusThinking     Status = "thinking"
	StatusSpeaking     Status = "speaking"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Turn is one user-input/agent-response exchange. Stage callbacks fill the
// nullable fields as results stream in; once the turn reaches a terminal
// status it is append-only. A cancelled turn keeps whatever partial state
// it had for auditability and never becomes done.
type Turn struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Origin      Origin        `json:"origin"`
	InputText   string        `json:"input_text,omitempty"`
	AudioBase64 string        `json:"-"`
	Transcript  string        `json:"transcript,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
	Response    string        `json:"response,omitempty"`
	AudioRef    string        `json:"audio_ref,omitempty"`
	Status      Status        `json:"status"`
	FailedStage stage.Kind    `json:"failed_stage,omitempty"`
	FailKind    stage.ErrKind `json:"fail_kind,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	TranscribingAt time.Time `json:"transcribing_at,omitempty"`
	ThinkingAt     time.Time `json:"thinking_at,omitempty"`
	SpeakingAt     time.Time `json:"speaking_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`

	Config string `json:"config_revision"`
}

// New builds a pending turn from an assembled buffer payload.
func New(sessionID string, p Payload, configRevision string) *Turn {
	return &Turn{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Origin:      p.Origin,
		InputText:   p.Text,
		AudioBase64: p.AudioBase64,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		Config:      configRevision,
	}
}

// Advance moves the turn into a processing status and stamps the transition.
// Stage timestamps are monotonically non-decreasing; a terminal turn is
// never advanced.
func (t *Turn) Advance(s Status) {
	if t.Terminal() {
		return
	}
	now := time.Now().UTC()
	switch s {
	case StatusTranscribing:
		t.TranscribingAt = now
	case StatusThinking:
		t.ThinkingAt = now
	case StatusSpeaking:
		t.SpeakingAt = now
	case StatusDone, StatusFailed, StatusCancelled:
		t.CompletedAt = now
	}
	t.Status = s
}

// Fail marks the turn failed with the stage and kind that caused it.
func (t *Turn) Fail(st stage.Kind, kind stage.ErrKind) {
	if t.Terminal() {
		return
	}
	t.FailedStage = st
	t.FailKind = kind
	t.Advance(StatusFailed)
}

func (t *Turn) Terminal() bool {
	switch t.Status {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DurationMS is the wall-clock span from creation to the terminal
// transition, for the recording record.
func (t *Turn) DurationMS() int64 {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt).Milliseconds()
}
