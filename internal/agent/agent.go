// Package agent implements the shared runtime every control-plane agent
// runs on: bus connection, channel subscriptions, a poll/dispatch/cycle
// loop, control-command handling (pause, resume, shutdown), periodic
// heartbeats, and liveness rows in the store.
//
// Concrete agents supply behavior through Hooks; the runtime owns the
// lifecycle. Handler and cycle errors are counted and logged but never
// kill the loop. Only transport failures and shutdown end Run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradeplane/internal/store"
	"tradeplane/pkg/bus"
)

// State is the agent lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollTimeout       = 100 * time.Millisecond
	defaultPausedSleep       = 500 * time.Millisecond
)

// TransportFactory hands out a fresh bus connection. The runtime creates
// one transport per Run, so a supervised restart starts from a clean
// connection instead of a closed one.
type TransportFactory func() bus.Transport

// Hooks are the extension points a concrete agent fills in. Any hook may
// be nil. HandleMessage receives domain traffic in every state, paused
// included (control traffic is consumed by the runtime); Cycle runs once
// per loop iteration while the agent is running. Pause gates Cycle only.
type Hooks struct {
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context)
	OnPause       func(ctx context.Context)
	OnResume      func(ctx context.Context)
	HandleMessage func(ctx context.Context, env *bus.Envelope) error
	Cycle         func(ctx context.Context) error
}

// Options configures an Agent.
type Options struct {
	ID           string
	Type         string
	Channels     []bus.Channel // domain subscriptions; control is always added
	Capabilities []string
	Hooks        Hooks

	NewTransport TransportFactory
	Store        *store.Store
	Logger       *slog.Logger

	HeartbeatInterval time.Duration
	PollTimeout       time.Duration
	PausedSleep       time.Duration
}

// Agent is one supervised task on the control plane.
type Agent struct {
	id           string
	typ          string
	channels     []bus.Channel
	capabilities []string
	hooks        Hooks

	newTransport TransportFactory
	store        *store.Store
	logger       *slog.Logger

	heartbeatInterval time.Duration
	pollTimeout       time.Duration
	pausedSleep       time.Duration

	mu        sync.RWMutex
	state     State
	startedAt time.Time     // set when the current Run reaches running
	transport bus.Transport // live connection for the current Run

	metrics Metrics
}

// New builds an agent from options, applying runtime defaults.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.NewTransport == nil {
		return nil, fmt.Errorf("agent %s: transport factory is required", opts.ID)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.PausedSleep == 0 {
		opts.PausedSleep = defaultPausedSleep
	}

	return &Agent{
		id:                opts.ID,
		typ:               opts.Type,
		channels:          opts.Channels,
		capabilities:      opts.Capabilities,
		hooks:             opts.Hooks,
		newTransport:      opts.NewTransport,
		store:             opts.Store,
		logger:            opts.Logger.With("component", "agent", "agent_id", opts.ID),
		heartbeatInterval: opts.HeartbeatInterval,
		pollTimeout:       opts.PollTimeout,
		pausedSleep:       opts.PausedSleep,
		state:             StateIdle,
	}, nil
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Type() string { return a.typ }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Metrics returns a snapshot of the agent's counters.
func (a *Agent) Metrics() MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Run executes the agent loop until ctx is cancelled, a shutdown command
// arrives, or the transport fails. Clean shutdowns return nil.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateConnecting)

	tr := a.newTransport()
	if err := tr.Connect(ctx); err != nil {
		a.setState(StateStopped)
		return fmt.Errorf("agent %s: connect bus: %w", a.id, err)
	}
	a.mu.Lock()
	a.transport = tr
	a.mu.Unlock()

	subs := append([]bus.Channel{bus.ChannelControl}, a.channels...)
	if err := tr.Subscribe(ctx, subs...); err != nil {
		tr.Close()
		a.setState(StateStopped)
		return fmt.Errorf("agent %s: subscribe: %w", a.id, err)
	}

	if a.hooks.OnStart != nil {
		if err := a.hooks.OnStart(ctx); err != nil {
			tr.Close()
			a.setState(StateStopped)
			return fmt.Errorf("agent %s: start: %w", a.id, err)
		}
	}

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()
	a.logger.Info("agent started", "type", a.typ, "channels", len(a.channels))

	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(hbCtx)
	}()

	defer func() {
		a.setState(StateStopping)
		hbCancel()
		wg.Wait()

		if a.hooks.OnStop != nil {
			a.hooks.OnStop(context.Background())
		}
		if a.store != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.MarkAgentStopped(stopCtx, a.id); err != nil {
				a.logger.Warn("mark stopped failed", "error", err)
			}
			cancel()
		}
		tr.Close()
		a.mu.Lock()
		a.transport = nil
		a.mu.Unlock()
		a.setState(StateStopped)
		a.logger.Info("agent stopped", "type", a.typ)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		env, err := tr.NextMessage(ctx, a.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("agent %s: bus receive: %w", a.id, err)
		}

		if env != nil {
			a.metrics.addReceived()
			if env.Channel == bus.ChannelControl {
				if shutdown := a.handleControl(ctx, env); shutdown {
					return nil
				}
			} else if a.hooks.HandleMessage != nil {
				if err := a.hooks.HandleMessage(ctx, env); err != nil {
					a.metrics.recordError(err)
					a.logger.Error("message handler failed",
						"channel", env.Channel, "message_id", env.ID, "error", err)
				}
			}
		}

		switch a.State() {
		case StateRunning:
			if a.hooks.Cycle != nil {
				if err := a.hooks.Cycle(ctx); err != nil {
					a.metrics.recordError(err)
					a.logger.Error("cycle failed", "error", err)
				}
			}
			a.metrics.addCycle()
		case StatePaused:
			sleep(ctx, a.pausedSleep)
		}
	}
}

// handleControl applies a control command. Commands carrying a target are
// ignored unless the target is this agent's id or "all". Returns true for
// shutdown.
func (a *Agent) handleControl(ctx context.Context, env *bus.Envelope) bool {
	command, _ := env.Payload["command"].(string)
	target, _ := env.Payload["target"].(string)
	if target != "" && target != "all" && target != a.id {
		return false
	}

	switch command {
	case "pause":
		if a.State() == StateRunning {
			a.setState(StatePaused)
			if a.hooks.OnPause != nil {
				a.hooks.OnPause(ctx)
			}
			a.logger.Info("agent paused", "requested_by", env.SourceAgent)
		}
	case "resume":
		if a.State() == StatePaused {
			a.setState(StateRunning)
			if a.hooks.OnResume != nil {
				a.hooks.OnResume(ctx)
			}
			a.logger.Info("agent resumed", "requested_by", env.SourceAgent)
		}
	case "shutdown":
		a.logger.Info("shutdown command received", "requested_by", env.SourceAgent)
		return true
	default:
		a.logger.Debug("ignoring control command", "command", command)
	}
	return false
}

// heartbeatLoop publishes liveness on the bus and merges the agent row in
// the store, immediately and then every heartbeatInterval.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	a.metrics.markHeartbeat()
	snap := a.metrics.Snapshot()
	status := string(a.State())

	payload := map[string]any{
		"agent_id":   a.id,
		"agent_type": a.typ,
		"status":     status,
		"metrics": map[string]any{
			"messages_received": snap.MessagesReceived,
			"messages_sent":     snap.MessagesSent,
			"cycles_run":        snap.CyclesRun,
			"errors":            snap.Errors,
		},
	}
	env := bus.NewEnvelope(a.id, bus.ChannelHeartbeat, payload, "", "")
	if tr := a.transportRef(); tr != nil {
		if err := tr.Publish(ctx, bus.ChannelHeartbeat, env); err != nil {
			a.logger.Warn("heartbeat publish failed", "error", err)
		} else {
			a.metrics.addSent()
		}
	}

	if a.store == nil {
		return
	}
	a.mu.RLock()
	started := a.startedAt
	a.mu.RUnlock()
	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	row := map[string]any{
		"id":           a.id,
		"name":         a.id,
		"type":         a.typ,
		"status":       status,
		"capabilities": a.capabilities,
		// Resource samples are not collected in-process; the columns stay
		// present at zero.
		"cpu_usage":      0.0,
		"memory_usage":   0.0,
		"uptime":         uptime,
		"error_message":  snap.LastError,
		"last_heartbeat": store.Now(),
	}
	if err := a.store.UpsertAgentHeartbeat(ctx, row); err != nil {
		a.logger.Warn("heartbeat upsert failed", "error", err)
	}
}

func (a *Agent) transportRef() bus.Transport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transport
}

// Publish sends a payload on a channel with this agent as the source.
func (a *Agent) Publish(ctx context.Context, channel bus.Channel, payload map[string]any, target, correlationID string) error {
	tr := a.transportRef()
	if tr == nil {
		return fmt.Errorf("agent %s: publish %s: %w", a.id, channel, bus.ErrNotConnected)
	}
	env := bus.NewEnvelope(a.id, channel, payload, target, correlationID)
	if err := tr.Publish(ctx, channel, env); err != nil {
		return fmt.Errorf("agent %s: publish %s: %w", a.id, channel, err)
	}
	a.metrics.addSent()
	return nil
}

// SendAlert raises an alert on the bus and records it in the store. Store
// failures are logged; the bus alert still goes out.
func (a *Agent) SendAlert(ctx context.Context, title, message, severity string) {
	payload := map[string]any{
		"title":    title,
		"message":  message,
		"severity": severity,
	}
	if err := a.Publish(ctx, bus.ChannelAlerts, payload, "", ""); err != nil {
		a.logger.Error("alert publish failed", "title", title, "error", err)
	}
	if a.store != nil {
		if err := a.store.InsertAlert(ctx, title, message, severity, a.id, nil); err != nil {
			a.logger.Error("alert insert failed", "title", title, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Metrics holds the runtime counters for one agent.
type Metrics struct {
	mu               sync.Mutex
	messagesReceived int64
	messagesSent     int64
	cyclesRun        int64
	errors           int64
	lastError        string
	lastHeartbeat    time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics, serialized as-is by
// the status API.
type MetricsSnapshot struct {
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	CyclesRun        int64     `json:"cycles_run"`
	Errors           int64     `json:"errors"`
	LastError        string    `json:"last_error,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

func (m *Metrics) addReceived() { m.mu.Lock(); m.messagesReceived++; m.mu.Unlock() }
func (m *Metrics) addSent()     { m.mu.Lock(); m.messagesSent++; m.mu.Unlock() }
func (m *Metrics) addCycle()    { m.mu.Lock(); m.cyclesRun++; m.mu.Unlock() }

func (m *Metrics) recordError(err error) {
	m.mu.Lock()
	m.errors++
	if err != nil {
		m.lastError = err.Error()
	}
	m.mu.Unlock()
}

func (m *Metrics) markHeartbeat() {
	m.mu.Lock()
	m.lastHeartbeat = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		MessagesReceived: m.messagesReceived,
		MessagesSent:     m.messagesSent,
		CyclesRun:        m.cyclesRun,
		Errors:           m.errors,
		LastError:        m.lastError,
		LastHeartbeat:    m.lastHeartbeat,
	}
}
