package reliability

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true},
		{"refused", syscall.ECONNREFUSED, true},
		{"plain", errors.New("bad payload"), false},
	}
	for _, tc := range cases {
		if got := IsRetryableError(tc.err); got != tc.want {
			t.Fatalf("IsRetryableError(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 2*base {
		t.Fatalf("attempt 1 = %v, want %v", got, 2*base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestPolicyDoStopsOnPermanentFailure(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, errors.New("permanent")
	})
	if err == nil || calls != 1 {
		t.Fatalf("Do() calls = %d, err = %v; want 1 call and an error", calls, err)
	}
}

func TestPolicyDoRetriesUpToAttempts(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(attempt int) (bool, error) {
		calls++
		if attempt < 2 {
			return true, errors.New("flaky")
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	err = p.Do(context.Background(), func(int) (bool, error) {
		calls++
		return true, errors.New("still down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("Do() calls = %d, err = %v; want 3 calls and an error", calls, err)
	}
}

func TestPolicyDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Attempts: 5, Base: time.Hour, Cap: time.Hour}
	err := p.Do(ctx, func(int) (bool, error) { return true, errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
