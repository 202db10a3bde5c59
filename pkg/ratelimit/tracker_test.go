package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newLocalTracker(base, max time.Duration) *Tracker {
	return NewTracker(nil, Config{
		Namespace:    "test",
		BaseCooldown: base,
		MaxCooldown:  max,
	}, zerolog.Nop())
}

func TestNewTracker_Defaults(t *testing.T) {
	tracker := NewTracker(nil, Config{}, zerolog.Nop())

	if tracker.config.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", tracker.config.Namespace)
	}
	if tracker.config.BaseCooldown != DefaultBaseCooldown {
		t.Errorf("BaseCooldown = %v, want %v", tracker.config.BaseCooldown, DefaultBaseCooldown)
	}
	if tracker.config.MaxCooldown != DefaultBaseCooldown {
		t.Errorf("MaxCooldown = %v, want it raised to the base cooldown", tracker.config.MaxCooldown)
	}
}

func TestTracker_GetState_Empty(t *testing.T) {
	tracker := newLocalTracker(time.Second, time.Minute)

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Hits != 0 || state.IsBlocked() {
		t.Errorf("empty state = %+v, want unblocked with no hits", state)
	}
}

func TestTracker_RecordRateLimited(t *testing.T) {
	tracker := newLocalTracker(time.Second, 3*time.Second)
	ctx := context.Background()

	cooldowns := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, want := range cooldowns {
		got, err := tracker.RecordRateLimited(ctx)
		if err != nil {
			t.Fatalf("RecordRateLimited() error = %v", err)
		}
		if got != want {
			t.Errorf("hit %d: cooldown = %v, want %v", i+1, got, want)
		}
	}

	state, _ := tracker.GetState(ctx)
	if state.Hits != 3 {
		t.Errorf("Hits = %d, want 3", state.Hits)
	}
	if !state.IsBlocked() {
		t.Error("state should be blocked after a rate limited response")
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := newLocalTracker(time.Millisecond, time.Millisecond)
	ctx := context.Background()

	if _, err := tracker.RecordRateLimited(ctx); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}
	state, _ := tracker.GetState(ctx)
	if err := tracker.RecordSuccess(ctx, state); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	state, _ = tracker.GetState(ctx)
	if state.Hits != 0 {
		t.Errorf("Hits after success = %d, want 0", state.Hits)
	}
}

func TestTracker_Wait(t *testing.T) {
	tracker := newLocalTracker(50*time.Millisecond, time.Second)
	ctx := context.Background()

	if _, err := tracker.RecordRateLimited(ctx); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}

	start := time.Now()
	state, err := tracker.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait() returned after %v, want it to wait out the cooldown", elapsed)
	}
	if state.IsBlocked() {
		t.Error("Wait() returned a blocked state")
	}
}

func TestTracker_Wait_ContextCancelled(t *testing.T) {
	tracker := newLocalTracker(time.Minute, time.Minute)
	if _, err := tracker.RecordRateLimited(context.Background()); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tracker.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestIntValue(t *testing.T) {
	if v, err := intValue(nil); err != nil || v != 0 {
		t.Errorf("intValue(nil) = %d, %v", v, err)
	}
	if v, err := intValue("1700000000000"); err != nil || v != 1700000000000 {
		t.Errorf("intValue(string) = %d, %v", v, err)
	}
	if _, err := intValue(42); err == nil {
		t.Error("intValue(int) should fail")
	}
}

func TestTracker_RecordRateLimited_StaleStateResets(t *testing.T) {
	tracker := newLocalTracker(time.Second, time.Minute)
	tracker.local = RateLimitState{Hits: 5, LastUpdate: time.Now().Add(-2 * time.Minute)}

	got, err := tracker.RecordRateLimited(context.Background())
	if err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}
	if got != time.Second {
		t.Errorf("cooldown after stale state = %v, want the base cooldown", got)
	}
}
