package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"tradeplane/internal/agent"
	"tradeplane/internal/config"
	"tradeplane/internal/orchestrator"
	"tradeplane/pkg/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startFleet brings up an orchestrator with one idle agent and returns it
// together with an httptest server wrapping the api handlers.
func startFleet(t *testing.T) (*orchestrator.Orchestrator, *agent.Agent, *httptest.Server) {
	t.Helper()
	b := bus.NewBroker(testLogger())

	o, err := orchestrator.New(orchestrator.Options{
		Config: config.OrchestratorConfig{
			MaxRestarts:       5,
			RestartBackoff:    10 * time.Millisecond,
			HeartbeatInterval: time.Hour,
			MonitorInterval:   time.Hour,
			ShutdownGrace:     2 * time.Second,
		},
		Logger:       testLogger(),
		NewTransport: func() bus.Transport { return b.NewTransport() },
	})
	if err != nil {
		t.Fatal(err)
	}

	a, err := agent.New(agent.Options{
		ID:                "worker-a",
		Type:              "signal",
		NewTransport:      func() bus.Transport { return b.NewTransport() },
		Logger:            testLogger(),
		HeartbeatInterval: time.Hour,
		PollTimeout:       10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })

	waitFor(t, func() bool { return a.State() == agent.StateRunning }, "agent did not start")

	s := NewServer(0, o, testLogger())
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return o, a, srv
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, _, srv := startFleet(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	var status orchestrator.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Running || status.AgentCount != 1 {
		t.Errorf("status = %+v", status)
	}
	if got := status.Agents["worker-a"].State; got != "running" {
		t.Errorf("agent state = %q, want running", got)
	}
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	t.Parallel()
	_, a, srv := startFleet(t)

	resp, err := http.Post(srv.URL+"/control/pause?agent=worker-a", "application/json", nil)
	if err != nil {
		t.Fatalf("post pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status code = %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return a.State() == agent.StatePaused }, "agent did not pause")

	resp, err = http.Post(srv.URL+"/control/resume?agent=worker-a", "application/json", nil)
	if err != nil {
		t.Fatalf("post resume: %v", err)
	}
	resp.Body.Close()
	waitFor(t, func() bool { return a.State() == agent.StateRunning }, "agent did not resume")
}

func TestStatusRejectsPost(t *testing.T) {
	t.Parallel()
	_, _, srv := startFleet(t)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", resp.StatusCode)
	}
}
