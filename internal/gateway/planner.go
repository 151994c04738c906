// planner.go executes multi-leg plans, e.g. spot arbitrage: buy on venue
// A, sell on venue B. Legs run strictly in declared order and every
// attempt is persisted, including failed ones. When a leg fails and the
// plan asks for it, already-filled legs are unwound with reversing orders
// and the caller sees no committed trades.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradeplane/internal/store"
	"tradeplane/pkg/types"
)

// VenueAdapter places orders on one venue. PlaceOrder mutates the order's
// Status, FilledSize, FilledPrice and VenueOrderID in place and returns an
// error on venue failure.
type VenueAdapter interface {
	Name() string
	PlaceOrder(ctx context.Context, order *types.Order) error
}

// SaveOrderFn persists one order attempt. The planner calls it for every
// attempt, successful or not, and logs (but does not abort on) save
// failures.
type SaveOrderFn func(ctx context.Context, order *types.Order) error

// Planner executes legged plans against venue adapters.
type Planner struct {
	store  *store.Store
	logger *slog.Logger
}

// NewPlanner builds a planner. The store is used for unwind alerts and
// audit events; a nil store skips both.
func NewPlanner(st *store.Store, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:  st,
		logger: logger.With("component", "planner"),
	}
}

// ExecutePlan runs the plan's legs in order. On full success it returns
// the committed orders. When a leg fails, breaches the inter-leg deadline,
// or has no adapter, and the plan has UnwindOnFail set, every previously
// completed leg is reversed and an empty slice is returned: from the
// caller's perspective a partially failed legged execution commits
// nothing. Without UnwindOnFail the completed legs stand and are returned.
func (p *Planner) ExecutePlan(ctx context.Context, intent types.Intent, plan types.ExecutionPlan, adapters map[string]VenueAdapter, save SaveOrderFn) []*types.Order {
	completed := make([]*types.Order, 0, len(plan.Legs))
	var lastDone time.Time

	for i, leg := range plan.Legs {
		if i > 0 && plan.MaxTimeBetweenLegs > 0 {
			if gap := time.Since(lastDone); gap > plan.MaxTimeBetweenLegs {
				p.logger.Warn("inter-leg deadline breached",
					"intent_id", intent.ID, "leg", i, "gap", gap, "max", plan.MaxTimeBetweenLegs)
				return p.failPlan(ctx, intent, plan, adapters, save, completed,
					fmt.Sprintf("leg %d submitted %s after previous completion, max is %s", i, gap, plan.MaxTimeBetweenLegs))
			}
		}

		adapter, ok := adapters[leg.Venue]
		if !ok {
			p.logger.Error("no adapter for venue", "intent_id", intent.ID, "venue", leg.Venue)
			return p.failPlan(ctx, intent, plan, adapters, save, completed,
				fmt.Sprintf("no adapter for venue %s", leg.Venue))
		}

		order := orderFromLeg(intent, leg)
		err := adapter.PlaceOrder(ctx, order)
		if err != nil {
			order.Status = types.StatusRejected
		}
		p.saveAttempt(ctx, save, order)

		if err != nil || order.Status == types.StatusRejected {
			reason := fmt.Sprintf("leg %d on %s rejected", i, leg.Venue)
			if err != nil {
				reason = fmt.Sprintf("leg %d on %s failed: %v", i, leg.Venue, err)
			}
			p.logger.Warn("leg failed", "intent_id", intent.ID, "venue", leg.Venue, "leg", i, "error", err)
			return p.failPlan(ctx, intent, plan, adapters, save, completed, reason)
		}

		completed = append(completed, order)
		lastDone = time.Now()
	}

	p.logger.Info("plan executed", "intent_id", intent.ID, "legs", len(completed))
	return completed
}

// failPlan handles a failed leg: with UnwindOnFail the completed legs are
// reversed and nothing is committed; otherwise the completed legs stand.
func (p *Planner) failPlan(ctx context.Context, intent types.Intent, plan types.ExecutionPlan, adapters map[string]VenueAdapter, save SaveOrderFn, completed []*types.Order, reason string) []*types.Order {
	if !plan.UnwindOnFail {
		return completed
	}
	p.unwind(ctx, intent, adapters, save, completed, reason)
	return []*types.Order{}
}

// unwind submits a reversing order for every completed leg, newest first,
// then records the event as an alert and an audit row.
func (p *Planner) unwind(ctx context.Context, intent types.Intent, adapters map[string]VenueAdapter, save SaveOrderFn, completed []*types.Order, reason string) {
	for i := len(completed) - 1; i >= 0; i-- {
		filled := completed[i]
		reversing := &types.Order{
			ID:         uuid.New(),
			BookID:     intent.BookID,
			StrategyID: intent.StrategyID,
			Venue:      filled.Venue,
			Instrument: filled.Instrument,
			Side:       filled.Side.Opposite(),
			Size:       filled.Size,
			Status:     types.StatusPending,
			CreatedAt:  time.Now().UTC(),
		}

		adapter := adapters[filled.Venue]
		if adapter == nil {
			// The leg was placed through this adapter moments ago; losing
			// it mid-plan leaves an unhedged fill that needs a human.
			p.logger.Error("cannot unwind, adapter missing", "venue", filled.Venue, "order_id", filled.ID)
			reversing.Status = types.StatusRejected
		} else if err := adapter.PlaceOrder(ctx, reversing); err != nil {
			p.logger.Error("unwind order failed",
				"venue", filled.Venue, "instrument", filled.Instrument, "error", err)
			reversing.Status = types.StatusRejected
		}
		p.saveAttempt(ctx, save, reversing)
	}

	p.logger.Warn("execution unwound",
		"intent_id", intent.ID, "legs_unwound", len(completed), "reason", reason)

	if p.store == nil {
		return
	}
	title := "Legged execution unwound"
	message := fmt.Sprintf("intent %s: %s; %d filled legs reversed", intent.ID, reason, len(completed))
	if err := p.store.InsertAlert(ctx, title, message, "warning", "planner",
		map[string]any{"intent_id": intent.ID.String(), "legs_unwound": len(completed)}); err != nil {
		p.logger.Error("unwind alert failed", "error", err)
	}
	if err := p.store.InsertAuditEvent(ctx, "execution_unwound", "execution_plan",
		intent.ID.String(), "warning", map[string]any{
			"reason":       reason,
			"legs_unwound": len(completed),
		}); err != nil {
		p.logger.Error("unwind audit failed", "error", err)
	}
}

func (p *Planner) saveAttempt(ctx context.Context, save SaveOrderFn, order *types.Order) {
	if save == nil {
		return
	}
	if err := save(ctx, order); err != nil {
		p.logger.Error("order save failed", "order_id", order.ID, "venue", order.Venue, "error", err)
	}
}

func orderFromLeg(intent types.Intent, leg types.Leg) *types.Order {
	return &types.Order{
		ID:         uuid.New(),
		BookID:     intent.BookID,
		StrategyID: intent.StrategyID,
		Venue:      leg.Venue,
		Instrument: leg.Instrument,
		Side:       leg.Side,
		Size:       leg.Size,
		Status:     types.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}
