package stage

import (
	"context"
	"fmt"

	"github.com/lcorbo/voxhub/internal/modelcfg"
)

// Kind identifies one of the three pipeline stages. The set is closed:
// every adapter implements exactly one of these.
type Kind string

const (
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

type ResultType string

const (
	ResultPartial ResultType = "partial"
	ResultFinal   ResultType = "final"
	ResultError   ResultType = "error"
)

// ErrKind classifies stage failures for the retry policy and the UI.
type ErrKind string

const (
	ErrTimeout     ErrKind = "timeout"
	ErrUnavailable ErrKind = "unavailable"
	ErrRejected    ErrKind = "rejected"
	ErrInternal    ErrKind = "internal"
)

// Retryable reports whether the coordinator may re-invoke the stage once.
func (k ErrKind) Retryable() bool {
	return k == ErrTimeout || k == ErrUnavailable
}

// Result is one item of a stage's streamed output: zero or more Partial
// results followed by exactly one Final or one Error, after which the
// channel closes.
type Result struct {
	Type        ResultType
	Text        string
	AudioBase64 string
	Format      string
	Confidence  float64
	ErrKind     ErrKind
	Detail      string
}

// Input carries the payload for one stage invocation. STT reads
// AudioBase64, LLM reads Text plus History, TTS reads Text.
type Input struct {
	SessionID   string
	TurnID      string
	Text        string
	AudioBase64 string
	History     []string
	Language    string
}

// Error is a classified invocation failure returned before any stream is
// established (dial refused, bad request).
type Error struct {
	Stage   Kind
	ErrKind ErrKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage %s: %v", e.Stage, e.ErrKind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Adapter is the uniform capability wrapper around one external backend.
// Invoke starts one streamed call; cancelling ctx stops the stream after at
// most one already-buffered item and releases the underlying transport.
// A stream is not resumable; callers restart by invoking again.
type Adapter interface {
	Kind() Kind
	Invoke(ctx context.Context, in Input, cfg modelcfg.Configuration) (<-chan Result, error)
}
