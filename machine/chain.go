package machine

import (
	"context"
	"fmt"
)

type stageResult interface {
	empty() bool
	outcome() Outcome
}

type handler[A any, R stageResult] struct {
	plugin string
	fn     func(ctx context.Context, args A) (R, error)
}

// runChain calls handlers in order and returns the first non-empty
// result, or the fallback's when none answers. A handler error aborts
// the chain.
func runChain[A any, R stageResult](ctx context.Context, stage string, handlers []handler[A, R], args A, fallback func(context.Context, A) (R, error)) (R, string, error) {
	for _, h := range handlers {
		r, err := h.fn(ctx, args)
		if err != nil {
			var zero R
			return zero, h.plugin, fmt.Errorf("%s: plugin %s: %w", stage, h.plugin, err)
		}
		if !r.empty() {
			return r, h.plugin, nil
		}
	}
	r, err := fallback(ctx, args)
	if err != nil {
		var zero R
		return zero, "", fmt.Errorf("%s: %w", stage, err)
	}
	return r, "", nil
}
