package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_InvalidSpec(t *testing.T) {
	if _, err := New(Config{Spec: "not a cron", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected parse error")
	}
	// 6-field seconds syntax is not accepted.
	if _, err := New(Config{Spec: "* * * * * *", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected parse error for 6 fields")
	}
}

func TestNew_NextFireInFuture(t *testing.T) {
	s, err := New(Config{Spec: "*/5 * * * *", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.NextFire().After(time.Now()) {
		t.Fatalf("next fire in the past: %v", s.NextFire())
	}
}

func TestTick_FiresWhenDue(t *testing.T) {
	var runs atomic.Int32
	s, err := New(Config{
		Spec: "* * * * *",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A tick before the schedule is due does nothing.
	s.tick(context.Background(), s.NextFire().Add(-time.Second))
	if runs.Load() != 0 {
		t.Fatalf("fired early: %d", runs.Load())
	}

	// A tick at/after the due time fires exactly once and re-arms.
	due := s.NextFire()
	s.tick(context.Background(), due)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if !s.NextFire().After(due) {
		t.Fatalf("schedule not re-armed: %v", s.NextFire())
	}

	// The same instant does not double-fire.
	s.tick(context.Background(), due)
	if runs.Load() != 1 {
		t.Fatalf("double fire: %d", runs.Load())
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(Config{
		Spec:     "* * * * *",
		Interval: 10 * time.Millisecond,
		Run:      func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
