// agents.go defines the default agent set. Each constructor wires a hook
// table onto the shared runtime; none of them carry strategy math, only
// the message protocol between channels.
//
// Flow: market_data -> signal -> signals -> meta-decision -> risk_check
// -> risk -> risk_approved/risk_rejected -> execution -> fills.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeplane/pkg/bus"
	"tradeplane/pkg/types"
)

// Well-known agent ids. The orchestrator registers the meta-decision agent
// first so its veto is live before any proposal flows.
const (
	MetaDecisionAgentID = "meta-decision-agent-01"
	CapitalAgentID      = "capital-allocation-agent-01"
	RiskAgentID         = "risk-agent-01"
	SignalAgentID       = "signal-agent-01"
	ExecutionAgentID    = "execution-agent-01"
)

// SubmitFn submits an approved order for execution. Wired to the order
// gateway in production and stubbed in tests.
type SubmitFn func(ctx context.Context, req types.OrderRequest) types.OrderResult

// NewSignalAgent proposes intents: every market_data tick is turned into a
// signal on the signals channel with the tick direction as the side.
func NewSignalAgent(base Options) (*Agent, error) {
	base.ID = SignalAgentID
	base.Type = "signal"
	base.Channels = []bus.Channel{bus.ChannelMarketData}
	base.Capabilities = []string{"propose"}

	a, err := New(base)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	lastPrice := make(map[string]decimal.Decimal)

	a.hooks.HandleMessage = func(ctx context.Context, env *bus.Envelope) error {
		instrument, _ := env.Payload["instrument"].(string)
		price, ok := payloadDecimal(env.Payload, "price")
		if instrument == "" || !ok {
			return fmt.Errorf("%w: market_data needs instrument and price", bus.ErrMalformedEnvelope)
		}

		mu.Lock()
		prev, seen := lastPrice[instrument]
		lastPrice[instrument] = price
		mu.Unlock()
		if !seen || price.Equal(prev) {
			return nil
		}

		side := types.Buy
		if price.LessThan(prev) {
			side = types.Sell
		}
		return a.Publish(ctx, bus.ChannelSignals, map[string]any{
			"instrument": instrument,
			"side":       string(side),
			"size":       1.0,
			"price":      price.InexactFloat64(),
			"order_type": string(types.Market),
		}, "", env.CorrelationID)
	}
	return a, nil
}

// NewMetaDecisionAgent holds veto authority over the plane. Signals it
// approves are forwarded to risk_check; while vetoed (after any critical
// alert) proposals are dropped. A resume command clears the veto.
func NewMetaDecisionAgent(base Options) (*Agent, error) {
	base.ID = MetaDecisionAgentID
	base.Type = "meta_decision"
	base.Channels = []bus.Channel{bus.ChannelSignals, bus.ChannelAlerts}
	base.Capabilities = []string{"veto", "approve"}

	a, err := New(base)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	vetoed := false

	a.hooks.HandleMessage = func(ctx context.Context, env *bus.Envelope) error {
		switch env.Channel {
		case bus.ChannelAlerts:
			severity, _ := env.Payload["severity"].(string)
			if severity == "critical" {
				mu.Lock()
				vetoed = true
				mu.Unlock()
				a.logger.Warn("veto engaged after critical alert",
					"source", env.SourceAgent, "title", env.Payload["title"])
			}
			return nil
		case bus.ChannelSignals:
			mu.Lock()
			blocked := vetoed
			mu.Unlock()
			if blocked {
				a.logger.Info("signal vetoed", "source", env.SourceAgent, "correlation_id", env.CorrelationID)
				return nil
			}
			return a.Publish(ctx, bus.ChannelRiskCheck, env.Payload, "", env.CorrelationID)
		}
		return nil
	}
	a.hooks.OnResume = func(context.Context) {
		mu.Lock()
		vetoed = false
		mu.Unlock()
		a.logger.Info("veto cleared")
	}
	return a, nil
}

// NewCapitalAllocationAgent splits total capital equally across strategies
// and watches fills for over-deployment; breaches raise a warning alert.
func NewCapitalAllocationAgent(base Options, totalCapital decimal.Decimal, strategies []string) (*Agent, error) {
	base.ID = CapitalAgentID
	base.Type = "capital_allocation"
	base.Channels = []bus.Channel{bus.ChannelFills}
	base.Capabilities = []string{"allocate"}

	a, err := New(base)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	perStrategy := decimal.Zero
	if len(strategies) > 0 {
		perStrategy = totalCapital.Div(decimal.NewFromInt(int64(len(strategies))))
	}
	deployed := make(map[string]decimal.Decimal, len(strategies))

	a.hooks.OnStart = func(context.Context) error {
		a.logger.Info("capital allocated",
			"total", totalCapital.String(), "strategies", len(strategies), "per_strategy", perStrategy.String())
		return nil
	}
	a.hooks.HandleMessage = func(ctx context.Context, env *bus.Envelope) error {
		strategy, _ := env.Payload["strategy"].(string)
		if strategy == "" {
			return nil
		}
		notional, ok := payloadDecimal(env.Payload, "notional")
		if !ok {
			return nil
		}

		mu.Lock()
		deployed[strategy] = deployed[strategy].Add(notional)
		over := deployed[strategy].GreaterThan(perStrategy)
		total := deployed[strategy]
		mu.Unlock()

		if over {
			a.SendAlert(ctx, "Capital allocation exceeded",
				fmt.Sprintf("strategy %s deployed %s against allocation %s", strategy, total, perStrategy),
				"warning")
		}
		return nil
	}
	return a, nil
}

// NewRiskAgent evaluates risk_check requests. Approval republishes the
// request on risk_approved; a breach goes to risk_rejected with the reason.
// The correlation id is preserved so the proposer can match the verdict.
func NewRiskAgent(base Options, maxOrderSize decimal.Decimal) (*Agent, error) {
	base.ID = RiskAgentID
	base.Type = "risk"
	base.Channels = []bus.Channel{bus.ChannelRiskCheck}
	base.Capabilities = []string{"risk_check"}

	a, err := New(base)
	if err != nil {
		return nil, err
	}

	reject := func(ctx context.Context, env *bus.Envelope, reason string) error {
		payload := clonePayload(env.Payload)
		payload["approved"] = false
		payload["reason"] = reason
		a.logger.Info("risk check rejected", "reason", reason, "correlation_id", env.CorrelationID)
		return a.Publish(ctx, bus.ChannelRiskRejected, payload, env.SourceAgent, env.CorrelationID)
	}

	a.hooks.HandleMessage = func(ctx context.Context, env *bus.Envelope) error {
		size, ok := payloadDecimal(env.Payload, "size")
		if !ok || !size.IsPositive() {
			return reject(ctx, env, "order size must be positive")
		}
		if side, _ := env.Payload["side"].(string); side != string(types.Buy) && side != string(types.Sell) {
			return reject(ctx, env, fmt.Sprintf("unknown side %q", side))
		}
		if maxOrderSize.IsPositive() && size.GreaterThan(maxOrderSize) {
			return reject(ctx, env, fmt.Sprintf("size %s exceeds max order size %s", size, maxOrderSize))
		}

		payload := clonePayload(env.Payload)
		payload["approved"] = true
		return a.Publish(ctx, bus.ChannelRiskApproved, payload, "", env.CorrelationID)
	}
	return a, nil
}

// NewExecutionAgent consumes risk_approved requests, submits them through
// the gateway and reports results on fills.
func NewExecutionAgent(base Options, submit SubmitFn) (*Agent, error) {
	if submit == nil {
		return nil, fmt.Errorf("execution agent: submit function is required")
	}
	base.ID = ExecutionAgentID
	base.Type = "execution"
	base.Channels = []bus.Channel{bus.ChannelRiskApproved}
	base.Capabilities = []string{"execute"}

	a, err := New(base)
	if err != nil {
		return nil, err
	}

	a.hooks.HandleMessage = func(ctx context.Context, env *bus.Envelope) error {
		req, err := orderRequestFromPayload(env.Payload)
		if err != nil {
			return fmt.Errorf("approved order unusable: %w", err)
		}

		result := submit(ctx, req)
		payload := map[string]any{
			"order_id":    result.OrderID,
			"instrument":  req.Instrument,
			"side":        string(req.Side),
			"strategy":    stringOr(env.Payload, "strategy", ""),
			"status":      string(result.Status),
			"success":     result.Success,
			"filled_size": result.FilledSize.InexactFloat64(),
			"latency_ms":  result.LatencyMS,
		}
		if result.FilledPrice != nil {
			payload["filled_price"] = result.FilledPrice.InexactFloat64()
			payload["notional"] = result.FilledSize.Mul(*result.FilledPrice).InexactFloat64()
		}
		if result.Error != "" {
			payload["error"] = result.Error
		}
		return a.Publish(ctx, bus.ChannelFills, payload, "", env.CorrelationID)
	}
	return a, nil
}

// orderRequestFromPayload converts a risk_approved payload into a typed
// order request. book_id is optional on the wire; a missing one gets a
// zero uuid and fails gateway validation downstream.
func orderRequestFromPayload(payload map[string]any) (types.OrderRequest, error) {
	var req types.OrderRequest

	instrument, _ := payload["instrument"].(string)
	if instrument == "" {
		return req, fmt.Errorf("missing instrument")
	}
	size, ok := payloadDecimal(payload, "size")
	if !ok {
		return req, fmt.Errorf("missing size")
	}
	side := types.Side(stringOr(payload, "side", ""))
	orderType := types.OrderType(stringOr(payload, "order_type", string(types.Market)))

	var price *decimal.Decimal
	if p, ok := payloadDecimal(payload, "price"); ok {
		price = &p
	}

	var bookID uuid.UUID
	if raw, _ := payload["book_id"].(string); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("book_id: %w", err)
		}
		bookID = parsed
	}

	req, err := types.NewOrderRequest(bookID, instrument, side, size, price, orderType)
	if err != nil {
		return req, err
	}
	if raw, _ := payload["strategy_id"].(string); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("strategy_id: %w", err)
		}
		req.StrategyID = &parsed
	}
	return req, nil
}

func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, bool) {
	switch v := payload[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func stringOr(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
