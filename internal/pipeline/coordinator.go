package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/observability"
	"github.com/lcorbo/voxhub/internal/reliability"
	"github.com/lcorbo/voxhub/internal/stage"
	"github.com/lcorbo/voxhub/internal/turn"
)

type EventType string

const (
	EventTranscriptPartial EventType = "transcript_partial"
	EventTranscriptFinal   EventType = "transcript_final"
	EventResponsePartial   EventType = "response_partial"
	EventResponseFinal     EventType = "response_final"
	EventAudioChunk        EventType = "audio_chunk"
	EventAudioFinal        EventType = "audio_final"
	EventStageFailed       EventType = "stage_failed"
)

// Event is one session-visible pipeline result for a turn. Events are
// delivered strictly in stage order (STT before LLM before TTS) and
// partial-before-final within a stage.
type Event struct {
	Type        EventType
	TurnID      string
	Text        string
	Confidence  float64
	AudioBase64 string
	Format      string
	Seq         int
	Stage       stage.Kind
	Kind        stage.ErrKind
	Detail      string
}

// Config bounds how long each stage may run and how the single retry is
// paced.
type Config struct {
	STTTimeout   time.Duration
	LLMTimeout   time.Duration
	TTSTimeout   time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.STTTimeout <= 0 {
		c.STTTimeout = 30 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 150 * time.Millisecond
	}
	return c
}

// Coordinator drives one turn through STT, LLM and TTS, forwarding partial
// results as they arrive. Cancelling the run context stops whichever stage
// is active; stages not yet started are never invoked.
type Coordinator struct {
	stt     stage.Adapter
	llm     stage.Adapter
	tts     stage.Adapter
	metrics *observability.Metrics
	cfg     Config
}

func New(stt, llm, tts stage.Adapter, metrics *observability.Metrics, cfg Config) *Coordinator {
	return &Coordinator{
		stt:     stt,
		llm:     llm,
		tts:     tts,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// Run executes the pipeline for one turn under one configuration snapshot.
// The returned channel closes when the turn completes, fails or is
// cancelled; a failed turn's last event is EventStageFailed.
func (c *Coordinator) Run(ctx context.Context, t *turn.Turn, cfg modelcfg.Configuration, history []string) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		c.run(ctx, t, cfg, history, events)
	}()
	return events
}

func (c *Coordinator) run(ctx context.Context, t *turn.Turn, cfg modelcfg.Configuration, history []string, events chan<- Event) {
	start := time.Now()
	emit := func(e Event) bool {
		e.TurnID = t.ID
		select {
		case <-ctx.Done():
			return false
		case events <- e:
			return true
		}
	}

	transcript := t.InputText
	confidence := 1.0

	if t.Origin == turn.OriginVoice {
		in := stage.Input{
			SessionID:   t.SessionID,
			TurnID:      t.ID,
			AudioBase64: t.AudioBase64,
			Language:    cfg.Language,
		}
		sttStart := time.Now()
		final, failure := c.runStage(ctx, c.stt, in, cfg, c.cfg.STTTimeout, func(r stage.Result) bool {
			return emit(Event{Type: EventTranscriptPartial, Text: r.Text, Confidence: r.Confidence})
		})
		if failure != nil {
			c.failTurn(ctx, stage.KindSTT, failure, emit)
			return
		}
		c.metrics.ObserveStageLatency(string(stage.KindSTT), time.Since(sttStart))
		transcript = final.Text
		confidence = final.Confidence
	}
	if !emit(Event{Type: EventTranscriptFinal, Text: transcript, Confidence: confidence}) {
		return
	}

	llmIn := stage.Input{
		SessionID: t.SessionID,
		TurnID:    t.ID,
		Text:      transcript,
		History:   history,
		Language:  cfg.Language,
	}
	llmStart := time.Now()
	llmFinal, failure := c.runStage(ctx, c.llm, llmIn, cfg, c.cfg.LLMTimeout, func(r stage.Result) bool {
		return emit(Event{Type: EventResponsePartial, Text: r.Text})
	})
	if failure != nil {
		c.failTurn(ctx, stage.KindLLM, failure, emit)
		return
	}
	c.metrics.ObserveStageLatency(string(stage.KindLLM), time.Since(llmStart))
	if !emit(Event{Type: EventResponseFinal, Text: llmFinal.Text}) {
		return
	}

	if !cfg.AudioOutput {
		return
	}

	ttsIn := stage.Input{
		SessionID: t.SessionID,
		TurnID:    t.ID,
		Text:      llmFinal.Text,
		Language:  cfg.Language,
	}
	seq := 0
	firstAudio := true
	ttsStart := time.Now()
	ttsFinal, failure := c.runStage(ctx, c.tts, ttsIn, cfg, c.cfg.TTSTimeout, func(r stage.Result) bool {
		if r.AudioBase64 == "" {
			return true
		}
		if firstAudio {
			firstAudio = false
			c.metrics.ObserveFirstAudioLatency(time.Since(start))
		}
		seq++
		return emit(Event{Type: EventAudioChunk, AudioBase64: r.AudioBase64, Format: r.Format, Seq: seq})
	})
	if failure != nil {
		c.failTurn(ctx, stage.KindTTS, failure, emit)
		return
	}
	c.metrics.ObserveStageLatency(string(stage.KindTTS), time.Since(ttsStart))
	seq++
	emit(Event{Type: EventAudioFinal, AudioBase64: ttsFinal.AudioBase64, Format: ttsFinal.Format, Seq: seq})
}

type stageFailure struct {
	kind   stage.ErrKind
	detail string
}

func (c *Coordinator) failTurn(ctx context.Context, st stage.Kind, failure *stageFailure, emit func(Event) bool) {
	if ctx.Err() != nil {
		// Cancelled turns surface nothing further; the session owns the
		// cancellation bookkeeping.
		return
	}
	c.metrics.StageErrors.WithLabelValues(string(st), string(failure.kind)).Inc()
	emit(Event{Type: EventStageFailed, Stage: st, Kind: failure.kind, Detail: failure.detail})
}

// runStage invokes one adapter, forwarding partials, and applies the retry
// policy: Unavailable and Timeout get exactly one fresh invocation, other
// kinds surface immediately.
func (c *Coordinator) runStage(
	ctx context.Context,
	ad stage.Adapter,
	in stage.Input,
	cfg modelcfg.Configuration,
	timeout time.Duration,
	onPartial func(stage.Result) bool,
) (stage.Result, *stageFailure) {
	var last *stageFailure
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.RetryDelay(c.cfg.RetryBackoff, time.Second))
			select {
			case <-ctx.Done():
				timer.Stop()
				return stage.Result{}, last
			case <-timer.C:
			}
		}

		res, failure := c.invokeOnce(ctx, ad, in, cfg, timeout, onPartial)
		if failure == nil {
			return res, nil
		}
		if ctx.Err() != nil || !failure.kind.Retryable() {
			return stage.Result{}, failure
		}
		last = failure
	}
	return stage.Result{}, last
}

func (c *Coordinator) invokeOnce(
	ctx context.Context,
	ad stage.Adapter,
	in stage.Input,
	cfg modelcfg.Configuration,
	timeout time.Duration,
	onPartial func(stage.Result) bool,
) (stage.Result, *stageFailure) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := ad.Invoke(stageCtx, in, cfg)
	if err != nil {
		var se *stage.Error
		if errors.As(err, &se) {
			return stage.Result{}, &stageFailure{kind: se.ErrKind, detail: se.Err.Error()}
		}
		return stage.Result{}, &stageFailure{kind: stage.ErrUnavailable, detail: err.Error()}
	}

	for {
		select {
		case <-stageCtx.Done():
			if ctx.Err() != nil {
				return stage.Result{}, &stageFailure{kind: stage.ErrInternal, detail: "cancelled"}
			}
			return stage.Result{}, &stageFailure{kind: stage.ErrTimeout, detail: "stage deadline exceeded"}
		case res, ok := <-results:
			if !ok {
				return stage.Result{}, &stageFailure{kind: stage.ErrInternal, detail: "stream ended without final result"}
			}
			switch res.Type {
			case stage.ResultPartial:
				if !onPartial(res) {
					return stage.Result{}, &stageFailure{kind: stage.ErrInternal, detail: "cancelled"}
				}
			case stage.ResultFinal:
				return res, nil
			case stage.ResultError:
				return stage.Result{}, &stageFailure{kind: res.ErrKind, detail: res.Detail}
			}
		}
	}
}
