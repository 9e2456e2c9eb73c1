package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected nil error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected nil error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("always fails")
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	result := Do(context.Background(), config, func() error { return wantErr })
	if !errors.Is(result.Err, wantErr) {
		t.Errorf("expected %v, got %v", wantErr, result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_PermanentStopsRetry(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, DefaultConfig(), func() error {
		t.Fatal("op should not run with canceled context")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{MaxAttempts: 3, InitialDelay: time.Hour, Jitter: false}
	done := make(chan Result, 1)
	go func() {
		done <- Do(ctx, config, func() error { return errors.New("fail") })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case result := <-done:
		if !errors.Is(result.Err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestWithAttemptNumber(t *testing.T) {
	var seen []int
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1.0}
	WithAttemptNumber(context.Background(), config, func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("fail")
	})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("attempt numbers = %v, want [1 2 3]", seen)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 2, InitialDelay: time.Millisecond}
	value, result := DoWithValue(context.Background(), config, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if value != "ok" || result.Err != nil {
		t.Errorf("DoWithValue = (%q, %v), want (ok, nil)", value, result.Err)
	}
}

func TestScheduleConfig(t *testing.T) {
	config := Schedule(5*time.Second, 10*time.Second, 20*time.Second)
	if config.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", config.MaxAttempts)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, d := range config.Delays {
		if d != want[i] {
			t.Errorf("Delays[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestArithmeticConfig(t *testing.T) {
	config := Arithmetic(3, 10*time.Second)
	want := []time.Duration{10 * time.Second, 20 * time.Second}
	if len(config.Delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", config.Delays, want)
	}
	for i, d := range config.Delays {
		if d != want[i] {
			t.Errorf("Delays[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestDo_ScheduleDelaysHonored(t *testing.T) {
	start := time.Now()
	config := Config{MaxAttempts: 3, Delays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}}
	Do(context.Background(), config, func() error { return errors.New("fail") })
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed %v, want at least 30ms of scheduled delays", elapsed)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, 10 * time.Second}, // clamped to max
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt, 100*time.Millisecond, 10*time.Second, 2.0)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(errors.New("x")) {
		t.Error("plain error should be retryable")
	}
	if IsRetryable(Permanent(errors.New("x"))) {
		t.Error("permanent error should not be retryable")
	}
}
