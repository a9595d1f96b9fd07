package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "tgrelay/pkg/logx"
)

func TestTriggerSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s, err := New(Config{Schedule: "1h"}, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Trigger()
		close(done)
	}()
	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Returns immediately: the first run still holds the guard.
	s.Trigger()
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	close(release)
	<-done
	s.Trigger()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestTriggerAfterStopIsNoop(t *testing.T) {
	var runs atomic.Int32
	s, err := New(Config{Schedule: "*/5 * * * *"}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s.Trigger()
	cancel()
	s.Trigger()
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}

func TestStartApplyStop(t *testing.T) {
	s, err := New(Config{Schedule: "@every 1h", Timezone: "UTC"}, func(context.Context) error { return nil }, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatal("Next before Start should be zero")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// cron computes entry times asynchronously after Start.
	var next time.Time
	for i := 0; i < 100 && next.IsZero(); i++ {
		time.Sleep(5 * time.Millisecond)
		next = s.Next()
	}
	if until := time.Until(next); until <= 50*time.Minute || until > time.Hour {
		t.Fatalf("next run in %v", until)
	}

	if err := s.Apply(Config{Schedule: "not valid"}); err == nil {
		t.Fatal("Apply accepted invalid schedule")
	}
	if err := s.Apply(Config{Schedule: "00:02", Timezone: "UTC"}); err != nil {
		t.Fatal(err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if !s.Next().IsZero() {
		t.Fatal("Next after Stop should be zero")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Schedule: "5m", Timezone: "Nowhere/Land"}, func(context.Context) error { return nil }, logx.Nop()); err == nil {
		t.Fatal("expected timezone error")
	}
	if _, err := New(Config{Schedule: "5m"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected job error")
	}
}
