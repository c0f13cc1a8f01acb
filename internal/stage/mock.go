package stage

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode"

	"github.com/lcorbo/voxhub/internal/modelcfg"
)

// MockAdapter is a local fallback backend used when no remote stage service
// is configured. It produces deterministic streams so the full pipeline can
// run end to end without network access.
type MockAdapter struct {
	kind Kind
}

func NewMockAdapter(kind Kind) *MockAdapter { return &MockAdapter{kind: kind} }

func (a *MockAdapter) Kind() Kind { return a.kind }

func (a *MockAdapter) Invoke(ctx context.Context, in Input, _ modelcfg.Configuration) (<-chan Result, error) {
	results := make(chan Result, 8)
	go func() {
		defer close(results)
		switch a.kind {
		case KindSTT:
			a.runSTT(ctx, in, results)
		case KindLLM:
			a.runLLM(ctx, in, results)
		case KindTTS:
			a.runTTS(ctx, in, results)
		}
	}()
	return results, nil
}

func (a *MockAdapter) runSTT(ctx context.Context, in Input, out chan<- Result) {
	text := "simulated voice input"
	if decoded, err := base64.StdEncoding.DecodeString(in.AudioBase64); err == nil {
		if s := strings.TrimSpace(string(decoded)); s != "" && printable(s) {
			text = s
		}
	}
	if !emit(ctx, out, Result{Type: ResultPartial, Text: firstWords(text, 2), Confidence: 0.5}) {
		return
	}
	emit(ctx, out, Result{Type: ResultFinal, Text: text, Confidence: 0.92})
}

func (a *MockAdapter) runLLM(ctx context.Context, in Input, out chan<- Result) {
	reply := "I heard: " + strings.TrimSpace(in.Text)
	words := strings.Fields(reply)
	var sent []string
	for _, w := range words {
		sent = append(sent, w)
		if !emit(ctx, out, Result{Type: ResultPartial, Text: w + " "}) {
			return
		}
	}
	emit(ctx, out, Result{Type: ResultFinal, Text: strings.Join(sent, " ")})
}

func (a *MockAdapter) runTTS(ctx context.Context, in Input, out chan<- Result) {
	text := strings.TrimSpace(in.Text)
	if text != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(text))
		if !emit(ctx, out, Result{Type: ResultPartial, AudioBase64: encoded, Format: "mock_pcm16"}) {
			return
		}
	}
	emit(ctx, out, Result{Type: ResultFinal, Format: "mock_pcm16"})
}

func emit(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- r:
		return true
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
