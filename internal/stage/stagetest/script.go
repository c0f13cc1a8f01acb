// Package stagetest provides scripted stage adapters for pipeline and
// session tests.
package stagetest

import (
	"context"
	"sync"

	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/stage"
)

// Step is one scripted invocation outcome. When InvokeErr is set the
// invocation fails before any stream exists; otherwise Results are streamed
// in order.
type Step struct {
	InvokeErr error
	Results   []stage.Result
	// Block, when non-nil, is closed by the test to release the stream
	// mid-flight. The adapter waits on it before emitting Results.
	Block <-chan struct{}
}

// Script replays a fixed sequence of Steps, one per Invoke call. The last
// step repeats once the sequence is exhausted. It records every Input it
// receives.
type Script struct {
	kind  stage.Kind
	steps []Step

	mu     sync.Mutex
	calls  int
	inputs []stage.Input
}

func NewScript(kind stage.Kind, steps ...Step) *Script {
	return &Script{kind: kind, steps: steps}
}

// Final is a convenience script that always succeeds with one final result.
func Final(kind stage.Kind, text string) *Script {
	return NewScript(kind, Step{Results: []stage.Result{
		{Type: stage.ResultFinal, Text: text, Confidence: 1},
	}})
}

// Fail is a convenience script that always emits one error result.
func Fail(kind stage.Kind, errKind stage.ErrKind) *Script {
	return NewScript(kind, Step{Results: []stage.Result{
		{Type: stage.ResultError, ErrKind: errKind, Detail: "scripted failure"},
	}})
}

func (s *Script) Kind() stage.Kind { return s.kind }

func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Script) Inputs() []stage.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stage.Input, len(s.inputs))
	copy(out, s.inputs)
	return out
}

func (s *Script) Invoke(ctx context.Context, in stage.Input, _ modelcfg.Configuration) (<-chan stage.Result, error) {
	s.mu.Lock()
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()

	if step.InvokeErr != nil {
		return nil, step.InvokeErr
	}

	out := make(chan stage.Result, len(step.Results)+1)
	go func() {
		defer close(out)
		if step.Block != nil {
			select {
			case <-ctx.Done():
				return
			case <-step.Block:
			}
		}
		for _, r := range step.Results {
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()
	return out, nil
}
