package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"
)

type retryableErr struct{ retryable bool }

func (e retryableErr) Error() string   { return "boom" }
func (e retryableErr) Retryable() bool { return e.retryable }

func TestDoRetriesRetryableErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Backoff: 2}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retryableErr{retryable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	p := Default
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return retryableErr{retryable: false}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for a fatal error, got %d", calls)
	}
}

func TestDoStopsOnPlainError(t *testing.T) {
	p := Default
	calls := 0
	wantErr := errors.New("plain")
	err := p.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for a non-Retryable error, got %d", calls)
	}
}
