package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	deltas []string
	err    error
}

func (g scriptedGenerator) Stream(ctx context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	for _, d := range g.deltas {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		out.WriteString(d)
		if err := onDelta(d); err != nil {
			return Response{}, err
		}
	}
	if g.err != nil {
		return Response{}, g.err
	}
	return Response{Text: out.String()}, nil
}

func TestDeltasYieldsInOrder(t *testing.T) {
	g := scriptedGenerator{deltas: []string{"Hel", "", "lo", " there"}}

	var got []string
	for delta, err := range Deltas(context.Background(), g, Request{}) {
		require.NoError(t, err)
		got = append(got, delta)
	}
	assert.Equal(t, []string{"Hel", "lo", " there"}, got)
}

func TestDeltasYieldsErrorLast(t *testing.T) {
	boom := errors.New("model crashed")
	g := scriptedGenerator{deltas: []string{"partial"}, err: boom}

	var deltas []string
	var gotErr error
	for delta, err := range Deltas(context.Background(), g, Request{}) {
		if err != nil {
			gotErr = err
			continue
		}
		deltas = append(deltas, delta)
	}
	assert.Equal(t, []string{"partial"}, deltas)
	assert.ErrorIs(t, gotErr, boom)
}

func TestDeltasEarlyBreakStopsGenerator(t *testing.T) {
	many := make([]string, 1000)
	for i := range many {
		many[i] = "x"
	}
	g := scriptedGenerator{deltas: many}

	n := 0
	for range Deltas(context.Background(), g, Request{}) {
		n++
		if n == 3 {
			break
		}
	}
	// goleak in TestMain checks the producer goroutine has exited.
	assert.Equal(t, 3, n)
}

func TestDeltasStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range Deltas(ctx, blockingGenerator{}, Request{}) {
		gotErr = err
	}
	// The producer's error cannot be delivered once ctx is done, so the
	// sequence simply ends.
	if gotErr != nil && !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("Deltas() error = %v", gotErr)
	}
}
