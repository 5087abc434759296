package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flaky fails its first n calls with the given error, then succeeds.
type flaky struct {
	mu    sync.Mutex
	fail  int
	err   error
	calls int
}

func (f *flaky) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, f.err
	}
	return &Response{Text: "ok", TokensUsed: 10}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func TestResilientRetriesTransient(t *testing.T) {
	svc := &flaky{
		fail: 2,
		err:  &ServiceError{Code: "rate_limited", Transient: true},
	}
	r := NewResilient(svc, fastRetry())

	resp, err := r.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("response text = %q, want ok", resp.Text)
	}
	if svc.calls != 3 {
		t.Errorf("underlying calls = %d, want 3 (two failures, one success)", svc.calls)
	}
}

func TestResilientDoesNotRetryPermanent(t *testing.T) {
	svc := &flaky{
		fail: 100,
		err:  &ServiceError{Code: "api_error", Transient: false},
	}
	r := NewResilient(svc, fastRetry())

	_, err := r.Complete(context.Background(), Request{Prompt: "hi"})
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != "api_error" {
		t.Fatalf("Complete error = %v, want permanent api_error", err)
	}
	if svc.calls != 1 {
		t.Errorf("underlying calls = %d, want exactly 1 for a permanent error", svc.calls)
	}
}

func TestResilientRespectsContextCancel(t *testing.T) {
	svc := &flaky{
		fail: 1000,
		err:  &ServiceError{Code: "server_error", Transient: true},
	}
	cfg := fastRetry()
	cfg.MaxElapsedTime = time.Minute
	r := NewResilient(svc, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Complete(ctx, Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error after context deadline")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient service error", &ServiceError{Code: "rate_limited", Transient: true}, true},
		{"permanent service error", &ServiceError{Code: "api_error"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped transient", errors.Join(errors.New("outer"), &ServiceError{Transient: true}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}
