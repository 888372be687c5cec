package heartbeat

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/jumpserver"
)

const waitTimeout = 5 * time.Second

type countingPinger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPinger) Ping(ctx context.Context, hostname string) error {
	p.calls.Add(1)
	return p.err
}

func waitCalls(t *testing.T, p *countingPinger, n int32) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for p.calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pings, got %d", n, p.calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func newService(p Pinger) (*Service, *event.Recorder, *testclock.Clock) {
	rec := event.NewRecorder()
	clk := testclock.NewClock(time.Now())
	cfg := &config.Config{HeartbeatInterval: 30 * time.Second}
	return NewService(cfg, p, rec, WithClock(clk)), rec, clk
}

func TestStartIsIdempotent(t *testing.T) {
	pinger := &countingPinger{}
	s, rec, clk := newService(pinger)

	if err := s.Start("device-7"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := s.Start("device-7")
	if !errs.IsPrecondition(err) {
		t.Fatalf("second Start err = %v, want precondition", err)
	}
	if !s.Active() {
		t.Fatal("not active after Start")
	}

	waitCalls(t, pinger, 1)
	if err := clk.WaitAdvance(30*time.Second, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	waitCalls(t, pinger, 2)

	// Only one loop ever waits on the clock.
	if err := clk.WaitAdvance(0, 100*time.Millisecond, 2); err == nil {
		t.Error("found two heartbeat loops waiting")
	}

	msgs := rec.Messages()
	if msgs[0] != "Heartbeat started." || msgs[1] != "Heartbeat already running." {
		t.Errorf("events = %v", msgs)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	s, rec, _ := newService(&countingPinger{})

	if err := s.Stop(); !errs.IsPrecondition(err) {
		t.Fatalf("Stop err = %v, want precondition", err)
	}
	if diff := cmp.Diff([]string{"Heartbeat not running."}, rec.Messages()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestStopEndsLoop(t *testing.T) {
	pinger := &countingPinger{}
	s, _, clk := newService(pinger)

	if err := s.Start("device-7"); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, pinger, 1)
	if err := clk.WaitAdvance(0, waitTimeout, 1); err != nil {
		t.Fatalf("loop never parked: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Active() {
		t.Fatal("still active after Stop returned")
	}

	clk.Advance(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := pinger.calls.Load(); n != 1 {
		t.Errorf("pings after stop = %d, want 1", n)
	}

	// A new generation starts cleanly.
	if err := s.Start("device-7"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitCalls(t, pinger, 2)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestFailedPingDoesNotStopLoop(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{ServerURL: srv.URL, HTTPTimeout: waitTimeout, HeartbeatInterval: 30 * time.Second}
	rec := event.NewRecorder()
	clk := testclock.NewClock(time.Now())
	s := NewService(cfg, jumpserver.NewClient(cfg), rec, WithClock(clk))

	if err := s.Start("device-7"); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// started + failed ping
	if !rec.WaitFor(2, waitTimeout) {
		t.Fatalf("events = %v", rec.Messages())
	}
	if err := clk.WaitAdvance(30*time.Second, waitTimeout, 1); err != nil {
		t.Fatalf("loop did not continue after failure: %v", err)
	}
	if !rec.WaitFor(3, waitTimeout) {
		t.Fatalf("events = %v", rec.Messages())
	}

	events := rec.Events()
	if events[1].Level != event.LevelError {
		t.Errorf("first ping event = %+v, want error", events[1])
	}
	if events[2].Message != "Ping sent successfully." {
		t.Errorf("second ping event = %q", events[2].Message)
	}
}

func TestPingOnce(t *testing.T) {
	pinger := &countingPinger{err: errors.New("connection refused")}
	s, rec, _ := newService(pinger)

	if err := s.PingOnce(context.Background(), "device-7"); err == nil {
		t.Fatal("PingOnce succeeded")
	}
	if diff := cmp.Diff([]string{"Ping failed: connection refused"}, rec.Messages()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if s.Active() {
		t.Error("PingOnce activated the heartbeat")
	}
}

func TestActiveTracksLastCall(t *testing.T) {
	s, _, _ := newService(&countingPinger{})
	rng := rand.New(rand.NewSource(7))

	lastWasStart := false
	for i := 0; i < 200; i++ {
		if rng.Intn(2) == 0 {
			s.Start("device-7")
			lastWasStart = true
		} else {
			s.Stop()
			lastWasStart = false
		}
		if got := s.Active(); got != lastWasStart {
			t.Fatalf("step %d: Active() = %v, want %v", i, got, lastWasStart)
		}
	}
	if s.Active() {
		s.Stop()
	}
}
