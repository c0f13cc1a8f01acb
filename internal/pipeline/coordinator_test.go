package pipeline

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/observability"
	"github.com/lcorbo/voxhub/internal/stage"
	"github.com/lcorbo/voxhub/internal/stage/stagetest"
	"github.com/lcorbo/voxhub/internal/turn"
)

var testMetricsInstance = observability.NewMetrics("pipeline_test")

func testConfig() Config {
	return Config{
		STTTimeout:   time.Second,
		LLMTimeout:   time.Second,
		TTSTimeout:   time.Second,
		RetryBackoff: time.Millisecond,
	}
}

func voiceTurn(t *testing.T) *turn.Turn {
	t.Helper()
	return turn.New("sess-1", turn.Payload{
		Origin:      turn.OriginVoice,
		AudioBase64: base64.StdEncoding.EncodeToString([]byte("what time is it")),
	}, "rev-1")
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunVoiceTurnEventOrder(t *testing.T) {
	stt := stagetest.NewScript(stage.KindSTT, stagetest.Step{Results: []stage.Result{
		{Type: stage.ResultPartial, Text: "what time", Confidence: 0.5},
		{Type: stage.ResultFinal, Text: "what time is it", Confidence: 0.9},
	}})
	llm := stagetest.NewScript(stage.KindLLM, stagetest.Step{Results: []stage.Result{
		{Type: stage.ResultPartial, Text: "It is "},
		{Type: stage.ResultFinal, Text: "It is noon."},
	}})
	tts := stagetest.NewScript(stage.KindTTS, stagetest.Step{Results: []stage.Result{
		{Type: stage.ResultPartial, AudioBase64: "YXVkaW8=", Format: "pcm16"},
		{Type: stage.ResultFinal, Format: "pcm16"},
	}})
	c := New(stt, llm, tts, testMetricsInstance, testConfig())

	cfg := modelcfg.Configuration{Revision: "rev-1", Language: "en", AudioOutput: true}
	events := collect(t, c.Run(context.Background(), voiceTurn(t), cfg, nil))

	want := []EventType{
		EventTranscriptPartial,
		EventTranscriptFinal,
		EventResponsePartial,
		EventResponseFinal,
		EventAudioChunk,
		EventAudioFinal,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if events[1].Text != "what time is it" || events[1].Confidence != 0.9 {
		t.Fatalf("transcript final = %+v", events[1])
	}
	if events[3].Text != "It is noon." {
		t.Fatalf("response final = %+v", events[3])
	}
	if events[4].Seq != 1 || events[5].Seq != 2 {
		t.Fatalf("audio seq = %d, %d, want 1, 2", events[4].Seq, events[5].Seq)
	}
}

func TestRunTextTurnSkipsSTT(t *testing.T) {
	stt := stagetest.Final(stage.KindSTT, "should never run")
	llm := stagetest.Final(stage.KindLLM, "reply")
	tts := stagetest.NewScript(stage.KindTTS, stagetest.Step{Results: []stage.Result{
		{Type: stage.ResultFinal, Format: "pcm16"},
	}})
	c := New(stt, llm, tts, testMetricsInstance, testConfig())

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "typed question"}, "rev-1")
	cfg := modelcfg.Configuration{Revision: "rev-1", AudioOutput: true}
	events := collect(t, c.Run(context.Background(), tr, cfg, nil))

	if stt.Calls() != 0 {
		t.Fatalf("stt.Calls() = %d, want 0", stt.Calls())
	}
	if events[0].Type != EventTranscriptFinal || events[0].Text != "typed question" || events[0].Confidence != 1.0 {
		t.Fatalf("first event = %+v, want verbatim transcript final", events[0])
	}
}

func TestRunSkipsTTSWhenAudioOutputDisabled(t *testing.T) {
	llm := stagetest.Final(stage.KindLLM, "reply")
	tts := stagetest.Final(stage.KindTTS, "never")
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, tts, testMetricsInstance, testConfig())

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := collect(t, c.Run(context.Background(), tr, modelcfg.Configuration{}, nil))

	if tts.Calls() != 0 {
		t.Fatalf("tts.Calls() = %d, want 0", tts.Calls())
	}
	last := events[len(events)-1]
	if last.Type != EventResponseFinal {
		t.Fatalf("last event = %q, want response final", last.Type)
	}
}

func TestRunRetriesUnavailableOnce(t *testing.T) {
	llm := stagetest.NewScript(stage.KindLLM,
		stagetest.Step{Results: []stage.Result{{Type: stage.ResultError, ErrKind: stage.ErrUnavailable, Detail: "backend down"}}},
		stagetest.Step{Results: []stage.Result{{Type: stage.ResultFinal, Text: "recovered"}}},
	)
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, stagetest.Final(stage.KindTTS, ""), testMetricsInstance, testConfig())

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := collect(t, c.Run(context.Background(), tr, modelcfg.Configuration{}, nil))

	if llm.Calls() != 2 {
		t.Fatalf("llm.Calls() = %d, want 2", llm.Calls())
	}
	last := events[len(events)-1]
	if last.Type != EventResponseFinal || last.Text != "recovered" {
		t.Fatalf("last event = %+v, want recovered response", last)
	}
}

func TestRunFailsAfterSecondUnavailable(t *testing.T) {
	llm := stagetest.Fail(stage.KindLLM, stage.ErrUnavailable)
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, stagetest.Final(stage.KindTTS, ""), testMetricsInstance, testConfig())

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := collect(t, c.Run(context.Background(), tr, modelcfg.Configuration{}, nil))

	if llm.Calls() != 2 {
		t.Fatalf("llm.Calls() = %d, want 2", llm.Calls())
	}
	last := events[len(events)-1]
	if last.Type != EventStageFailed || last.Stage != stage.KindLLM || last.Kind != stage.ErrUnavailable {
		t.Fatalf("last event = %+v, want llm unavailable failure", last)
	}
}

func TestRunDoesNotRetryRejected(t *testing.T) {
	llm := stagetest.Fail(stage.KindLLM, stage.ErrRejected)
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, stagetest.Final(stage.KindTTS, ""), testMetricsInstance, testConfig())

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := collect(t, c.Run(context.Background(), tr, modelcfg.Configuration{}, nil))

	if llm.Calls() != 1 {
		t.Fatalf("llm.Calls() = %d, want 1", llm.Calls())
	}
	last := events[len(events)-1]
	if last.Type != EventStageFailed || last.Kind != stage.ErrRejected {
		t.Fatalf("last event = %+v, want rejected failure", last)
	}
}

func TestRunStageTimeoutIsRetryable(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	llm := stagetest.NewScript(stage.KindLLM, stagetest.Step{Block: block})
	cfg := testConfig()
	cfg.LLMTimeout = 20 * time.Millisecond
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, stagetest.Final(stage.KindTTS, ""), testMetricsInstance, cfg)

	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := collect(t, c.Run(context.Background(), tr, modelcfg.Configuration{}, nil))

	if llm.Calls() != 2 {
		t.Fatalf("llm.Calls() = %d, want 2", llm.Calls())
	}
	last := events[len(events)-1]
	if last.Type != EventStageFailed || last.Kind != stage.ErrTimeout {
		t.Fatalf("last event = %+v, want timeout failure", last)
	}
}

func TestRunCancelledTurnEmitsNoFailure(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	llm := stagetest.NewScript(stage.KindLLM, stagetest.Step{Block: block})
	c := New(stagetest.Final(stage.KindSTT, "x"), llm, stagetest.Final(stage.KindTTS, ""), testMetricsInstance, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	tr := turn.New("sess-1", turn.Payload{Origin: turn.OriginText, Text: "hi"}, "rev-1")
	events := c.Run(ctx, tr, modelcfg.Configuration{}, nil)

	// Let the LLM stage start, then barge in.
	time.Sleep(10 * time.Millisecond)
	cancel()

	for _, e := range collect(t, events) {
		if e.Type == EventStageFailed {
			t.Fatalf("cancelled turn surfaced failure event %+v", e)
		}
	}
}
