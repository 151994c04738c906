// Package orchestrator supervises the agent fleet: it registers agents,
// runs each in its own goroutine, restarts crashed agents with backoff,
// abandons agents that exceed the restart budget (with one critical
// alert), aggregates health, and drives pause/resume/shutdown over the
// control channel.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeplane/internal/agent"
	"tradeplane/internal/config"
	"tradeplane/internal/store"
	"tradeplane/pkg/bus"
)

// Options wires the orchestrator's collaborators. NewTransport hands out
// one bus connection per agent run; connections are never shared.
type Options struct {
	Config       config.OrchestratorConfig
	Trading      config.TradingConfig
	Store        *store.Store
	Logger       *slog.Logger
	NewTransport agent.TransportFactory
	Submit       agent.SubmitFn // order gateway entry for the execution agent
}

type task struct {
	agent    *agent.Agent
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
	failed   bool // restart budget exhausted
}

// Orchestrator owns the agent fleet lifecycle.
type Orchestrator struct {
	cfg          config.OrchestratorConfig
	trading      config.TradingConfig
	store        *store.Store
	logger       *slog.Logger
	newTransport agent.TransportFactory
	submit       agent.SubmitFn

	mu        sync.Mutex
	ctrl      bus.Transport // orchestrator's own bus connection for commands
	agents    map[string]*agent.Agent
	order     []string // registration order
	tasks     map[string]*task
	running   bool
	startedAt time.Time
}

// New creates an orchestrator. Call Register or CreateDefaultAgents, then
// Start.
func New(opts Options) (*Orchestrator, error) {
	if opts.NewTransport == nil {
		return nil, fmt.Errorf("orchestrator: transport factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          opts.Config,
		trading:      opts.Trading,
		store:        opts.Store,
		logger:       opts.Logger.With("component", "orchestrator"),
		newTransport: opts.NewTransport,
		submit:       opts.Submit,
		agents:       make(map[string]*agent.Agent),
		tasks:        make(map[string]*task),
	}, nil
}

// Register adds an agent to the fleet. IDs must be unique; registration
// order is preserved for startup.
func (o *Orchestrator) Register(a *agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: cannot register %s while running", a.ID())
	}
	if _, exists := o.agents[a.ID()]; exists {
		return fmt.Errorf("orchestrator: agent %s already registered", a.ID())
	}
	o.agents[a.ID()] = a
	o.order = append(o.order, a.ID())
	return nil
}

// CreateDefaultAgents registers the standard fleet. The meta-decision
// agent goes first so its veto is live before any proposal flows.
func (o *Orchestrator) CreateDefaultAgents() error {
	base := func() agent.Options {
		return agent.Options{
			NewTransport:      o.newTransport,
			Store:             o.store,
			Logger:            o.logger,
			HeartbeatInterval: o.cfg.HeartbeatInterval,
		}
	}

	meta, err := agent.NewMetaDecisionAgent(base())
	if err != nil {
		return err
	}
	capitalAgent, err := agent.NewCapitalAllocationAgent(base(),
		decimal.NewFromFloat(o.trading.TotalCapital), o.trading.Strategies)
	if err != nil {
		return err
	}
	riskAgent, err := agent.NewRiskAgent(base(), decimal.NewFromFloat(o.trading.MaxOrderSize))
	if err != nil {
		return err
	}
	signalAgent, err := agent.NewSignalAgent(base())
	if err != nil {
		return err
	}
	executionAgent, err := agent.NewExecutionAgent(base(), o.submit)
	if err != nil {
		return err
	}

	for _, a := range []*agent.Agent{meta, capitalAgent, riskAgent, signalAgent, executionAgent} {
		if err := o.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Start launches every registered agent under supervision plus the health
// monitor. It returns once the fleet is spawned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	if len(o.agents) == 0 {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: no agents registered")
	}
	o.running = true
	o.startedAt = time.Now().UTC()
	order := append([]string(nil), o.order...)
	o.mu.Unlock()

	ctrl := o.newTransport()
	if err := ctrl.Connect(ctx); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: connect control bus: %w", err)
	}
	o.mu.Lock()
	o.ctrl = ctrl
	o.mu.Unlock()

	o.logger.Info("starting agents", "count", len(order))
	for _, id := range order {
		o.mu.Lock()
		a := o.agents[id]
		t := &task{agent: a, done: make(chan struct{})}
		o.tasks[id] = t
		o.mu.Unlock()

		go o.supervise(ctx, t)
	}
	go o.monitor(ctx)

	o.reportHealth(ctx, "healthy", "Starting agents")
	return nil
}

// supervise runs one agent, restarting it on exit until the restart budget
// is spent or the orchestrator stops. A crash consumes budget; a clean
// exit while the plane is still running is restarted for free.
func (o *Orchestrator) supervise(ctx context.Context, t *task) {
	defer close(t.done)

	for {
		runCtx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		t.cancel = cancel
		o.mu.Unlock()

		err := runSafely(runCtx, t.agent)
		cancel()

		if ctx.Err() != nil || !o.isRunning() {
			return
		}

		if err != nil {
			o.mu.Lock()
			t.restarts++
			restarts := t.restarts
			o.mu.Unlock()

			o.logger.Error("agent crashed",
				"agent_id", t.agent.ID(), "restarts", restarts, "error", err)

			if restarts > o.cfg.MaxRestarts {
				o.abandon(ctx, t)
				return
			}
		} else {
			o.logger.Warn("agent exited unexpectedly, restarting", "agent_id", t.agent.ID())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.RestartBackoff):
		}
	}
}

// abandon gives up on an agent that keeps crashing. One critical alert is
// raised; the rest of the fleet is untouched.
func (o *Orchestrator) abandon(ctx context.Context, t *task) {
	o.mu.Lock()
	t.failed = true
	o.mu.Unlock()

	id := t.agent.ID()
	title := fmt.Sprintf("Agent %s Failed", id)
	message := fmt.Sprintf("agent %s exceeded %d restarts and was stopped", id, o.cfg.MaxRestarts)
	o.logger.Error("agent abandoned", "agent_id", id, "max_restarts", o.cfg.MaxRestarts)

	if ctrl := o.ctrlRef(); ctrl != nil {
		env := bus.NewEnvelope("orchestrator", bus.ChannelAlerts, map[string]any{
			"title":    title,
			"message":  message,
			"severity": "critical",
		}, "", "")
		if err := ctrl.Publish(ctx, bus.ChannelAlerts, env); err != nil {
			o.logger.Error("alert publish failed", "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.InsertAlert(ctx, title, message, "critical", "orchestrator",
			map[string]any{"agent_id": id, "restarts": t.restarts}); err != nil {
			o.logger.Error("alert insert failed", "error", err)
		}
	}
}

func runSafely(ctx context.Context, a *agent.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", a.ID(), r)
		}
	}()
	return a.Run(ctx)
}

// monitor periodically logs fleet health and merges a system_health row.
func (o *Orchestrator) monitor(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.isRunning() {
				return
			}
			alive, total := o.fleetCounts()
			status := "healthy"
			if alive < total {
				status = "degraded"
			}
			o.logger.Info("fleet health", "running", alive, "total", total, "status", status)
			o.reportHealth(ctx, status, fmt.Sprintf("%d/%d agents running", alive, total))
		}
	}
}

func (o *Orchestrator) fleetCounts() (alive, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		total++
		switch t.agent.State() {
		case agent.StateRunning, agent.StatePaused, agent.StateConnecting:
			alive++
		}
	}
	return alive, total
}

func (o *Orchestrator) reportHealth(ctx context.Context, status, details string) {
	if o.store == nil {
		return
	}
	if err := o.store.UpsertSystemHealth(ctx, "agent_orchestrator", status, details); err != nil {
		o.logger.Warn("system health update failed", "error", err)
	}
}

func (o *Orchestrator) isRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) ctrlRef() bus.Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctrl
}

// SendCommand publishes a control command. An empty target addresses every
// agent.
func (o *Orchestrator) SendCommand(ctx context.Context, command, target string) error {
	ctrl := o.ctrlRef()
	if ctrl == nil {
		return fmt.Errorf("orchestrator: not started")
	}
	payload := map[string]any{"command": command}
	if target != "" {
		payload["target"] = target
	}
	env := bus.NewEnvelope("orchestrator", bus.ChannelControl, payload, target, "")
	if err := ctrl.Publish(ctx, bus.ChannelControl, env); err != nil {
		return fmt.Errorf("orchestrator: send %s: %w", command, err)
	}
	return nil
}

// PauseAgent pauses one agent by id.
func (o *Orchestrator) PauseAgent(ctx context.Context, id string) error {
	return o.SendCommand(ctx, "pause", id)
}

// ResumeAgent resumes one agent by id.
func (o *Orchestrator) ResumeAgent(ctx context.Context, id string) error {
	return o.SendCommand(ctx, "resume", id)
}

// PauseAll pauses the whole fleet.
func (o *Orchestrator) PauseAll(ctx context.Context) error {
	return o.SendCommand(ctx, "pause", "")
}

// ResumeAll resumes the whole fleet.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	return o.SendCommand(ctx, "resume", "")
}

// Shutdown stops the fleet: the shutdown command goes out on the control
// channel, then each agent gets the grace period before its context is
// cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	tasks := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	o.logger.Info("shutting down agents", "count", len(tasks))
	if err := o.SendCommand(ctx, "shutdown", ""); err != nil {
		o.logger.Warn("shutdown broadcast failed", "error", err)
	}

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-time.After(o.cfg.ShutdownGrace):
			o.logger.Warn("agent did not stop in time, cancelling", "agent_id", t.agent.ID())
			o.mu.Lock()
			cancel := t.cancel
			o.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			<-t.done
		}
	}

	o.mu.Lock()
	o.tasks = make(map[string]*task)
	ctrl := o.ctrl
	o.ctrl = nil
	o.mu.Unlock()

	o.reportHealth(ctx, "stopped", "Orchestrator shut down")
	if ctrl != nil {
		ctrl.Close()
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// AgentStatus is one row of the fleet snapshot.
type AgentStatus struct {
	Type     string                `json:"type"`
	State    string                `json:"state"`
	Restarts int                   `json:"restarts"`
	Failed   bool                  `json:"failed"`
	Metrics  agent.MetricsSnapshot `json:"metrics"`
}

// Status is the orchestrator snapshot served by the control API.
type Status struct {
	Running    bool                   `json:"running"`
	StartedAt  time.Time              `json:"started_at"`
	AgentCount int                    `json:"agent_count"`
	Agents     map[string]AgentStatus `json:"agents"`
}

// Snapshot reports the current fleet state.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	agents := make(map[string]AgentStatus, len(o.agents))
	for id, a := range o.agents {
		st := AgentStatus{
			Type:    a.Type(),
			State:   string(a.State()),
			Metrics: a.Metrics(),
		}
		if t, ok := o.tasks[id]; ok {
			st.Restarts = t.restarts
			st.Failed = t.failed
		}
		agents[id] = st
	}
	return Status{
		Running:    o.running,
		StartedAt:  o.startedAt,
		AgentCount: len(o.agents),
		Agents:     agents,
	}
}
