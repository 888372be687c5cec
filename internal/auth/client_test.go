package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/identity"
	"github.com/yourorg/connectbox/agent/internal/jumpserver"
	"github.com/yourorg/connectbox/agent/internal/metrics"
)

const waitTimeout = 5 * time.Second

// scriptedServer answers is-authed queries from a fixed script, repeating
// the last entry once the script is exhausted.
type scriptedServer struct {
	mu       sync.Mutex
	script   []scripted
	requests int
}

type scripted struct {
	status int
	body   string
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.requests
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	step := s.script[i]
	s.requests++
	s.mu.Unlock()

	w.WriteHeader(step.status)
	w.Write([]byte(step.body))
}

func (s *scriptedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func setup(t *testing.T, h http.Handler) (*Client, *event.Recorder, *testclock.Clock, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ServerURL:     srv.URL,
		Hostname:      "device-7",
		RequestedPort: 22222,
		Notes:         "rack 3",
		PollInterval:  5 * time.Second,
		HTTPTimeout:   waitTimeout,
	}
	rec := event.NewRecorder()
	clk := testclock.NewClock(time.Now())
	mt := metrics.New()
	c := NewClient(cfg, jumpserver.NewClient(cfg), rec, WithClock(clk), WithMetrics(mt))
	return c, rec, clk, mt
}

func TestPollApprovalPendingThenAuthorized(t *testing.T) {
	srv := &scriptedServer{script: []scripted{
		{200, `{"status":"pending"}`},
		{200, `{"status":"pending"}`},
		{200, `{"status":"authed","port":9001}`},
	}}
	c, rec, clk, mt := setup(t, srv)

	ports := make(chan int, 2)
	c.PollApproval(context.Background(), "device-7", func(port int) { ports <- port })

	for i := 1; i <= 2; i++ {
		if !rec.WaitFor(i, waitTimeout) {
			t.Fatalf("timed out waiting for event %d", i)
		}
		if err := clk.WaitAdvance(5*time.Second, waitTimeout, 1); err != nil {
			t.Fatalf("WaitAdvance %d: %v", i, err)
		}
	}

	select {
	case port := <-ports:
		if port != 9001 {
			t.Errorf("onAuthorized port = %d, want 9001", port)
		}
	case <-time.After(waitTimeout):
		t.Fatal("onAuthorized was not called")
	}

	want := []string{
		"Waiting for approval...",
		"Waiting for approval...",
		"Authorized! Assigned port: 9001",
	}
	if diff := cmp.Diff(want, rec.Messages()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	// The loop has ended: nothing waits on the clock and no more requests go out.
	if err := clk.WaitAdvance(5*time.Second, 100*time.Millisecond, 1); err == nil {
		t.Error("poll loop is still waiting after authorization")
	}
	if n := srv.count(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
	select {
	case port := <-ports:
		t.Errorf("onAuthorized called again with %d", port)
	default:
	}

	if got := testutil.ToFloat64(mt.PollRequests.WithLabelValues(metrics.ResultPending)); got != 2 {
		t.Errorf("pending polls = %v, want 2", got)
	}
}

func TestPollApprovalErrorsAreNotFatal(t *testing.T) {
	srv := &scriptedServer{script: []scripted{
		{500, `boom`},
		{200, `not json`},
		{200, `{"status":"authed","port":31007}`},
	}}
	c, rec, clk, _ := setup(t, srv)

	done := make(chan int, 1)
	c.PollApproval(context.Background(), "device-7", func(port int) { done <- port })

	for i := 1; i <= 2; i++ {
		if !rec.WaitFor(i, waitTimeout) {
			t.Fatalf("timed out waiting for event %d", i)
		}
		if err := clk.WaitAdvance(5*time.Second, waitTimeout, 1); err != nil {
			t.Fatalf("WaitAdvance %d: %v", i, err)
		}
	}

	select {
	case port := <-done:
		if port != 31007 {
			t.Errorf("port = %d", port)
		}
	case <-time.After(waitTimeout):
		t.Fatal("onAuthorized was not called")
	}

	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events: %v", len(events), rec.Messages())
	}
	for _, e := range events[:2] {
		if e.Level != event.LevelError {
			t.Errorf("event %q level = %s, want error", e.Message, e.Level)
		}
	}
}

func TestPollApprovalCancel(t *testing.T) {
	srv := &scriptedServer{script: []scripted{{200, `{"status":"pending"}`}}}
	c, rec, clk, _ := setup(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	c.PollApproval(ctx, "device-7", func(int) { t.Error("unexpected authorization") })

	if !rec.WaitFor(1, waitTimeout) {
		t.Fatal("no first poll event")
	}
	// Make sure the loop is parked on the clock before cancelling.
	if err := clk.WaitAdvance(0, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	cancel()

	if !rec.WaitFor(2, waitTimeout) {
		t.Fatalf("no cancellation event: %v", rec.Messages())
	}
	if got := rec.Messages()[1]; got != "Polling cancelled." {
		t.Errorf("last event = %q", got)
	}
}

func TestPollApprovalAuthedWithoutPort(t *testing.T) {
	srv := &scriptedServer{script: []scripted{
		{200, `{"status":"authed"}`},
		{200, `{"status":"authed","port":31007}`},
	}}
	c, rec, clk, mt := setup(t, srv)

	done := make(chan int, 1)
	c.PollApproval(context.Background(), "device-7", func(port int) { done <- port })

	if !rec.WaitFor(1, waitTimeout) {
		t.Fatal("no first poll event")
	}
	if err := clk.WaitAdvance(5*time.Second, waitTimeout, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	select {
	case port := <-done:
		if port != 31007 {
			t.Errorf("port = %d", port)
		}
	case <-time.After(waitTimeout):
		t.Fatal("onAuthorized was not called")
	}

	first := rec.Events()[0]
	if first.Level != event.LevelError || first.Message != "Authorized without a usable port; still polling." {
		t.Errorf("first event = %+v", first)
	}
	if got := testutil.ToFloat64(mt.PollRequests.WithLabelValues(metrics.ResultError)); got != 1 {
		t.Errorf("error polls = %v, want 1", got)
	}
}

func TestPollApprovalAuthorizedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The caller gives up while the approving answer is on its way.
		cancel()
		w.Write([]byte(`{"status":"authed","port":31007}`))
	})
	c, rec, _, _ := setup(t, h)

	c.PollApproval(ctx, "device-7", func(int) { t.Error("onAuthorized called after cancel") })

	if !rec.WaitFor(1, waitTimeout) {
		t.Fatal("no event")
	}
	if diff := cmp.Diff([]string{"Polling cancelled."}, rec.Messages()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestRequestAuthorization(t *testing.T) {
	var got jumpserver.AuthRequest
	c, rec, _, _ := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"pending"}`))
	}))

	pair := identity.KeyPair{PrivateKeyPath: "/k", PublicKey: "ssh-ed25519 AAAA device-7\n"}
	ack, err := c.RequestAuthorization(context.Background(), pair)
	if err != nil {
		t.Fatalf("RequestAuthorization: %v", err)
	}
	if ack.Status != "pending" {
		t.Errorf("ack status = %q", ack.Status)
	}

	want := jumpserver.AuthRequest{Hostname: "device-7", Port: 22222, PublicKey: pair.PublicKey, Notes: "rack 3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Auth requested: pending"}, rec.Messages()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestRequestAuthorizationFailures(t *testing.T) {
	c, rec, _, _ := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))

	_, err := c.RequestAuthorization(context.Background(), identity.KeyPair{})
	if !errs.IsPrecondition(err) {
		t.Errorf("empty key err = %v, want precondition", err)
	}

	_, err = c.RequestAuthorization(context.Background(), identity.KeyPair{PublicKey: "k"})
	var nerr *jumpserver.NetworkError
	if !errors.As(err, &nerr) {
		t.Errorf("err = %v, want *NetworkError", err)
	}

	for _, e := range rec.Events() {
		if e.Level != event.LevelError {
			t.Errorf("event %q level = %s, want error", e.Message, e.Level)
		}
	}
	if rec.Len() != 2 {
		t.Errorf("got %d events, want 2", rec.Len())
	}
}
