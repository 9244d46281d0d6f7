// ABOUTME: Tests for the connection supervisor
// ABOUTME: Backoff ladder progression, reset on success, interruptible sleeps
package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slimwire/slimwire-go/internal/sink"
)

// nullSink satisfies sink.Sink for supervisor tests.
type nullSink struct{}

func (nullSink) Enable(sink.Config) error        { return nil }
func (nullSink) Open(sink.StreamFormat) error    { return nil }
func (nullSink) SendAudio([]byte, int) error     { return nil }
func (nullSink) BufferLevel() float64            { return 0 }
func (nullSink) BufferBytes() (uint32, uint32)   { return 0, 0 }
func (nullSink) WaitForSpace(time.Duration) bool { return true }
func (nullSink) Pause()                          {}
func (nullSink) Resume()                         {}
func (nullSink) IsPaused() bool                  { return false }
func (nullSink) IsPlaying() bool                 { return false }
func (nullSink) SetS24PackMode(bool)             {}
func (nullSink) StopPlayback()                   {}
func (nullSink) DumpStats()                      {}
func (nullSink) Close() error                    { return nil }
func (nullSink) Disable()                        {}

func TestBackoffLadder(t *testing.T) {
	// 2, 4, 8, 16, 30, 30, ...
	want := []time.Duration{
		4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	cur := backoffInitial
	for i, w := range want {
		cur = nextBackoff(cur)
		if cur != w {
			t.Fatalf("step %d: got %v, want %v", i, cur, w)
		}
	}
}

func TestSupervisorRetriesWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time

	s := NewSupervisor(Config{Server: "127.0.0.1", Port: 3483}, &nullSink{})
	s.session = func(ctx context.Context, server string) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n >= 3 {
			return nil // pretend the third session connected then dropped
		}
		return errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Shrink the ladder for the test by running with a cancelled-soon
	// context; only the attempt count matters here
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not honour context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) < 1 {
		t.Fatal("no session attempts")
	}
	// Backoff is 2 s, so within 200 ms there must be exactly one attempt:
	// the sleeps are long but interruptible
	if len(attempts) > 1 {
		t.Errorf("expected a single attempt inside the first backoff window, got %d", len(attempts))
	}
}

func TestSupervisorStopsDuringSession(t *testing.T) {
	started := make(chan struct{})

	s := NewSupervisor(Config{Server: "127.0.0.1", Port: 3483}, &nullSink{})
	s.session = func(ctx context.Context, server string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop with the session")
	}
}
