// Package gateway is the single write path for orders. Every order-writing
// side effect in the system goes through SubmitOrder or SubmitAndExecute:
// pre-trade gates (global kill switch, book activity), venue execution,
// order persistence, position reconciliation, and audit emission run as one
// sequential pipeline per call.
//
// The gateway never returns an error to its caller. Every call resolves to
// an OrderResult; gate failures come back as rejected results with a
// human-readable reason, and latency is measured on every path including
// rejections. Pre-trade checks fail safe: when the store cannot be reached
// the unsafe condition is assumed to hold and the order is rejected.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradeplane/internal/config"
	"tradeplane/internal/store"
	"tradeplane/pkg/types"
)

// Gate rejection reasons. Tests and operators match on these strings.
const (
	reasonKillSwitch   = "Global kill switch is active"
	reasonBookInactive = "Book is not active or frozen"
	reasonPersistFail  = "Failed to write order to database"
)

// ExecuteFn is the venue adapter invoked by SubmitAndExecute. It receives
// the order built from the request and reports the fill.
type ExecuteFn func(ctx context.Context, order *types.Order) (filledSize decimal.Decimal, filledPrice *decimal.Decimal, venueOrderID string, err error)

// Gateway serializes order writes behind the safety gates. Construct one
// per process; concurrent calls are safe but position reconciliation for
// the same (book, instrument) is not serialized here, callers that need
// that run a single execution agent.
type Gateway struct {
	store        *store.Store
	limiter      *rate.Limiter // nil = unthrottled
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New builds a gateway over the given store.
func New(st *store.Store, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.OrdersPerSecond > 0 {
		burst := int(cfg.OrdersPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), burst)
	}
	return &Gateway{
		store:        st,
		limiter:      limiter,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With("component", "gateway"),
	}
}

// SubmitOrder stages a pending order without venue execution. The gates
// still apply; a persistence failure rejects the call since no venue side
// effect has happened yet.
func (g *Gateway) SubmitOrder(ctx context.Context, req types.OrderRequest) types.OrderResult {
	orderID := uuid.New()
	start := time.Now()

	if result, ok := g.preTrade(ctx, req, orderID, start); !ok {
		return result
	}

	order := orderFromRequest(req, orderID)
	order.Status = types.StatusPending

	if err := g.persistOrder(ctx, order, start); err != nil {
		g.logger.Error("order write failed", "order_id", orderID, "error", err)
		return finish(rejected(orderID, reasonPersistFail), start)
	}

	result := types.OrderResult{
		Success: true,
		OrderID: orderID,
		Status:  types.StatusPending,
	}
	g.audit(ctx, order, result)
	return finish(result, start)
}

// SubmitAndExecute runs the full pipeline: gates, venue execution via
// execute, order persistence, position reconciliation, audit. Once the
// venue side effect has occurred the result is returned even if
// persistence fails; the anomaly is logged and recorded as an extra audit
// event, and surfaced in result.Error.
func (g *Gateway) SubmitAndExecute(ctx context.Context, req types.OrderRequest, execute ExecuteFn) types.OrderResult {
	orderID := uuid.New()
	start := time.Now()

	if result, ok := g.preTrade(ctx, req, orderID, start); !ok {
		return result
	}

	order := orderFromRequest(req, orderID)
	filledSize, filledPrice, venueOrderID, err := execute(ctx, order)
	if err != nil {
		g.logger.Warn("venue execution failed",
			"order_id", orderID, "instrument", req.Instrument, "error", err)
		// Past the gates every attempt leaves an orders row and an audit
		// trail, rejected ones included.
		order.Status = types.StatusRejected
		result := rejected(orderID, err.Error())
		if perr := g.persistOrder(ctx, order, start); perr != nil {
			g.logger.Error("order write failed", "order_id", orderID, "error", perr)
		}
		g.audit(ctx, order, result)
		return finish(result, start)
	}

	status := types.StatusPartiallyFilled
	if filledSize.Equal(req.Size) {
		status = types.StatusFilled
	}
	order.Status = status
	order.FilledSize = filledSize
	order.FilledPrice = filledPrice
	order.VenueOrderID = venueOrderID

	result := types.OrderResult{
		Success:      true,
		OrderID:      orderID,
		Status:       status,
		FilledSize:   filledSize,
		FilledPrice:  filledPrice,
		VenueOrderID: venueOrderID,
	}

	if err := g.persistOrder(ctx, order, start); err != nil {
		// The venue fill is real; dropping the result now would lose it.
		g.logger.Error("order write failed after fill",
			"order_id", orderID, "instrument", req.Instrument, "error", err)
		result.Error = reasonPersistFail
		if aerr := g.store.InsertAuditEvent(ctx, "order_persist_failed", "order",
			orderID.String(), "warning", map[string]any{
				"instrument": req.Instrument,
				"side":       string(req.Side),
				"size":       req.Size.InexactFloat64(),
			}); aerr != nil {
			g.logger.Error("anomaly audit failed", "order_id", orderID, "error", aerr)
		}
	}

	if result.Success && filledSize.IsPositive() {
		g.reconcilePosition(ctx, req, filledSize, filledPrice)
	}

	g.audit(ctx, order, result)
	return finish(result, start)
}

// preTrade runs validation, the throttle, and both safety gates. ok=false
// means the returned result is final and carries its latency.
func (g *Gateway) preTrade(ctx context.Context, req types.OrderRequest, orderID uuid.UUID, start time.Time) (types.OrderResult, bool) {
	if err := req.Validate(); err != nil {
		return finish(rejected(orderID, err.Error()), start), false
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return finish(rejected(orderID, "order throttled: "+err.Error()), start), false
		}
	}

	active, err := g.storeKillSwitch(ctx)
	if err != nil {
		g.logger.Warn("kill switch check unavailable, rejecting", "order_id", orderID, "error", err)
		active = true
	}
	if active {
		return finish(rejected(orderID, reasonKillSwitch), start), false
	}

	bookActive, err := g.storeBookActive(ctx, req.BookID)
	if err != nil {
		g.logger.Warn("book check unavailable, rejecting",
			"order_id", orderID, "book_id", req.BookID, "error", err)
		bookActive = false
	}
	if !bookActive {
		return finish(rejected(orderID, reasonBookInactive), start), false
	}

	return types.OrderResult{}, true
}

func (g *Gateway) storeKillSwitch(ctx context.Context) (bool, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()
	return g.store.KillSwitchActive(ctx)
}

func (g *Gateway) storeBookActive(ctx context.Context, bookID uuid.UUID) (bool, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()
	return g.store.BookActive(ctx, bookID)
}

func (g *Gateway) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.writeTimeout)
}

// persistOrder writes the orders row. Decimals become floats at this
// boundary; nothing above the store deals in floating point.
func (g *Gateway) persistOrder(ctx context.Context, order *types.Order, start time.Time) error {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	now := store.Now()
	row := map[string]any{
		"id":          order.ID.String(),
		"book_id":     order.BookID.String(),
		"instrument":  order.Instrument,
		"side":        string(order.Side),
		"size":        order.Size.InexactFloat64(),
		"status":      string(order.Status),
		"filled_size": order.FilledSize.InexactFloat64(),
		"latency_ms":  time.Since(start).Milliseconds(),
		"created_at":  now,
		"updated_at":  now,
	}
	if order.StrategyID != nil {
		row["strategy_id"] = order.StrategyID.String()
	}
	if order.VenueID != nil {
		row["venue_id"] = order.VenueID.String()
	}
	if order.Price != nil {
		row["price"] = order.Price.InexactFloat64()
	}
	if order.FilledPrice != nil {
		row["filled_price"] = order.FilledPrice.InexactFloat64()
	}
	if order.VenueOrderID != "" {
		row["venue_order_id"] = order.VenueOrderID
	}
	return g.store.InsertOrder(ctx, row)
}

// reconcilePosition folds a fill into the open position for the request's
// (book, instrument). Failures are logged; the order result is already
// committed and does not change.
func (g *Gateway) reconcilePosition(ctx context.Context, req types.OrderRequest, filledSize decimal.Decimal, filledPrice *decimal.Decimal) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	pos, err := g.store.OpenPosition(ctx, req.BookID, req.Instrument)
	if err != nil {
		g.logger.Error("position lookup failed",
			"book_id", req.BookID, "instrument", req.Instrument, "error", err)
		return
	}

	fillPrice := decimal.Zero
	if filledPrice != nil {
		fillPrice = *filledPrice
	}

	if pos == nil {
		row := map[string]any{
			"book_id":     req.BookID.String(),
			"instrument":  req.Instrument,
			"side":        string(req.Side),
			"size":        filledSize.InexactFloat64(),
			"entry_price": fillPrice.InexactFloat64(),
			"mark_price":  fillPrice.InexactFloat64(),
			"is_open":     true,
			"opened_at":   store.Now(),
		}
		if req.StrategyID != nil {
			row["strategy_id"] = req.StrategyID.String()
		}
		if err := g.store.InsertPosition(ctx, row); err != nil {
			g.logger.Error("position insert failed",
				"book_id", req.BookID, "instrument", req.Instrument, "error", err)
		}
		return
	}

	positionID, _ := pos["id"].(string)
	posSide, _ := pos["side"].(string)
	curSize := decimalField(pos, "size")
	curEntry := decimalField(pos, "entry_price")

	var patch map[string]any
	if posSide == string(req.Side) {
		// Same direction: grow the position, entry price becomes the
		// size-weighted average of all fills.
		newSize := curSize.Add(filledSize)
		newEntry := curSize.Mul(curEntry).Add(filledSize.Mul(fillPrice)).Div(newSize)
		patch = map[string]any{
			"size":        newSize.InexactFloat64(),
			"entry_price": newEntry.InexactFloat64(),
		}
	} else {
		// Opposite direction reduces. Closing past zero closes the
		// position; it never flips to the other side.
		newSize := curSize.Sub(filledSize)
		if newSize.Sign() <= 0 {
			patch = map[string]any{"is_open": false, "size": 0.0}
		} else {
			patch = map[string]any{"size": newSize.InexactFloat64()}
		}
	}

	if err := g.store.PatchPosition(ctx, positionID, patch); err != nil {
		g.logger.Error("position update failed", "position_id", positionID, "error", err)
	}
}

// audit records the order_created event. A failure here is logged, never
// surfaced; the order itself is already committed.
func (g *Gateway) audit(ctx context.Context, order *types.Order, result types.OrderResult) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	err := g.store.InsertAuditEvent(ctx, "order_created", "order", order.ID.String(), "info",
		map[string]any{
			"instrument": order.Instrument,
			"side":       string(order.Side),
			"size":       order.Size.InexactFloat64(),
			"status":     string(order.Status),
			"success":    result.Success,
		})
	if err != nil {
		g.logger.Error("audit write failed", "order_id", order.ID, "error", err)
	}
}

func orderFromRequest(req types.OrderRequest, orderID uuid.UUID) *types.Order {
	return &types.Order{
		ID:         orderID,
		BookID:     req.BookID,
		StrategyID: req.StrategyID,
		VenueID:    req.VenueID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Size:       req.Size,
		Price:      req.Price,
		Status:     types.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func rejected(orderID uuid.UUID, reason string) types.OrderResult {
	return types.OrderResult{
		OrderID: orderID,
		Status:  types.StatusRejected,
		Error:   reason,
	}
}

func finish(result types.OrderResult, start time.Time) types.OrderResult {
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}

func decimalField(row map[string]any, key string) decimal.Decimal {
	switch v := row[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
