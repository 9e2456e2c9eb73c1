package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SuccessAfterTransientFailures(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond)
	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	b := NewBaseProvider("test", 3, time.Millisecond)
	attempts := 0
	permanent := errors.New("invalid request")
	err := b.Retry(context.Background(), func(error) bool { return false }, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	b := NewBaseProvider("test", 2, time.Millisecond)
	attempts := 0
	transient := errors.New("503 service unavailable")
	err := b.Retry(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	b := NewBaseProvider("test", 5, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := b.Retry(ctx, func(error) bool { return true }, func() error {
		attempts++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (cancel hit during backoff)", attempts)
	}
}
