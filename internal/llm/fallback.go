package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FallbackGenerator attempts a primary generator first and falls back on
// error. Once the primary has emitted text the fallback is never used, so a
// reply is never duplicated.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator

	// firstDeltaTimeout abandons a primary that has produced nothing yet.
	// Zero disables it.
	firstDeltaTimeout time.Duration
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) WithFirstDeltaTimeout(d time.Duration) *FallbackGenerator {
	g.firstDeltaTimeout = d
	return g
}

func (g *FallbackGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Stream(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback generator misconfigured")
	}

	type result struct {
		resp Response
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	firstDeltaCh := make(chan struct{})
	var firstDeltaOnce sync.Once
	var emitted, accept atomic.Bool
	accept.Store(true)
	resultCh := make(chan result, 1)

	go func() {
		resp, err := g.primary.Stream(primaryCtx, req, func(delta string) error {
			if !accept.Load() {
				return context.Canceled
			}
			if strings.TrimSpace(delta) != "" {
				firstDeltaOnce.Do(func() { close(firstDeltaCh) })
			}
			emitted.Store(true)
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		resultCh <- result{resp: resp, err: err}
	}()

	var (
		primary  result
		timedOut bool
	)
	if g.fallback == nil || g.firstDeltaTimeout <= 0 {
		primary = <-resultCh
	} else {
		timer := time.NewTimer(g.firstDeltaTimeout)
		select {
		case primary = <-resultCh:
		case <-firstDeltaCh:
			primary = <-resultCh
		case <-timer.C:
			accept.Store(false)
			cancelPrimary()
			timedOut = true
			select {
			case primary = <-resultCh:
			case <-time.After(200 * time.Millisecond):
			}
		}
		timer.Stop()
	}

	if primary.err == nil && !timedOut {
		return primary.resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if !timedOut && (errors.Is(primary.err, context.Canceled) || errors.Is(primary.err, context.DeadlineExceeded)) {
		return Response{}, primary.err
	}
	if g.fallback == nil || (emitted.Load() && !timedOut) {
		return Response{}, primary.err
	}

	fallbackResp, fallbackErr := g.fallback.Stream(ctx, req, onDelta)
	if fallbackErr != nil {
		if timedOut {
			return Response{}, fmt.Errorf("primary generator timeout before first delta (%s); fallback generator error: %w", g.firstDeltaTimeout, fallbackErr)
		}
		return Response{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", primary.err, fallbackErr)
	}
	return fallbackResp, nil
}
