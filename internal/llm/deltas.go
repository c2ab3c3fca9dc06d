package llm

import (
	"context"
	"iter"
)

// Deltas adapts the callback-driven Stream into a pull sequence. A generation
// error is yielded once as the last element. Breaking out of the loop cancels
// the generator and waits for it to return.
func Deltas(ctx context.Context, g Generator, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type item struct {
			delta string
			err   error
		}
		ch := make(chan item)

		go func() {
			defer close(ch)
			_, err := g.Stream(ctx, req, func(delta string) error {
				if delta == "" {
					return nil
				}
				select {
				case ch <- item{delta: delta}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				select {
				case ch <- item{err: err}:
				case <-ctx.Done():
				}
			}
		}()
		defer func() {
			cancel()
			for range ch {
			}
		}()

		for it := range ch {
			if !yield(it.delta, it.err) || it.err != nil {
				return
			}
		}
	}
}
