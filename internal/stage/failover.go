package stage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lcorbo/voxhub/internal/modelcfg"
)

// NewFailoverAdapter wraps a primary backend with a fallback that takes over
// when primary invocation fails to start. Once fallback succeeds it stays
// active until it fails; then primary is retried.
func NewFailoverAdapter(primary, fallback Adapter) *FailoverAdapter {
	return &FailoverAdapter{primary: primary, fallback: fallback}
}

type FailoverAdapter struct {
	primary        Adapter
	fallback       Adapter
	fallbackActive atomic.Bool
}

func (a *FailoverAdapter) Kind() Kind { return a.primary.Kind() }

func (a *FailoverAdapter) Invoke(ctx context.Context, in Input, cfg modelcfg.Configuration) (<-chan Result, error) {
	if a.fallbackActive.Load() {
		results, fbErr := a.fallback.Invoke(ctx, in, cfg)
		if fbErr == nil {
			return results, nil
		}
		// Fallback failed after being active; try primary again.
		results, prErr := a.primary.Invoke(ctx, in, cfg)
		if prErr == nil {
			a.fallbackActive.Store(false)
			return results, nil
		}
		return nil, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", a.Kind(), fbErr, a.Kind(), prErr)
	}

	results, prErr := a.primary.Invoke(ctx, in, cfg)
	if prErr == nil {
		return results, nil
	}
	results, fbErr := a.fallback.Invoke(ctx, in, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", a.Kind(), prErr, a.Kind(), fbErr)
	}
	a.fallbackActive.Store(true)
	return results, nil
}
