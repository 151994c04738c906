// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the control plane: order
// requests and results, positions, and multi-leg execution plans. It has no
// dependencies on internal packages, so it can be imported by any layer.
//
// Sizes and prices are arbitrary-precision decimals end to end; conversion
// to floating point happens only at the persistence boundary.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the reversing side, used when unwinding filled legs.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// ExecutionMode selects how a multi-order plan is carried out.
// The core supports legged execution (sequential legs with unwind).
type ExecutionMode string

const (
	ModeLegged ExecutionMode = "legged"
)

// ErrInvalidOrder is the validation error family for malformed order
// requests. Callers match it with errors.Is.
var ErrInvalidOrder = errors.New("invalid order request")

// OrderRequest describes an order to be written through the gateway.
// Construct via NewOrderRequest so validation runs before the gateway is
// ever reached.
type OrderRequest struct {
	BookID     uuid.UUID        // accounting unit the order trades under
	StrategyID *uuid.UUID       // optional owning strategy
	Instrument string           // e.g. "BTC-USD"
	Side       Side             // buy or sell
	Size       decimal.Decimal  // strictly > 0
	Price      *decimal.Decimal // required for limit, nil for market
	OrderType  OrderType        // market or limit
	VenueID    *uuid.UUID       // optional venue hint
	Metadata   map[string]any
}

// NewOrderRequest validates and builds an order request.
// Zero or negative size and limit orders without a price are rejected here,
// before any gateway side effect can occur.
func NewOrderRequest(bookID uuid.UUID, instrument string, side Side, size decimal.Decimal, price *decimal.Decimal, orderType OrderType) (OrderRequest, error) {
	req := OrderRequest{
		BookID:     bookID,
		Instrument: instrument,
		Side:       side,
		Size:       size,
		Price:      price,
		OrderType:  orderType,
		Metadata:   map[string]any{},
	}
	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

// Validate checks the request invariants.
func (r OrderRequest) Validate() error {
	if r.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, r.Side)
	}
	if !r.Size.IsPositive() {
		return fmt.Errorf("%w: size must be > 0, got %s", ErrInvalidOrder, r.Size)
	}
	switch r.OrderType {
	case Market:
	case Limit:
		if r.Price == nil {
			return fmt.Errorf("%w: limit orders require a price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: order_type must be market or limit, got %q", ErrInvalidOrder, r.OrderType)
	}
	if r.Price != nil && !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be > 0, got %s", ErrInvalidOrder, r.Price)
	}
	return nil
}

// OrderResult is what every gateway call resolves to. The gateway never
// returns an error to the caller; failures are carried in Success/Error.
type OrderResult struct {
	Success      bool
	OrderID      uuid.UUID // generated at gateway entry, even on rejection
	Status       OrderStatus
	FilledSize   decimal.Decimal
	FilledPrice  *decimal.Decimal
	VenueOrderID string
	Error        string
	LatencyMS    int64
}

// Order is a venue-scoped order used by the legged execution planner.
// Venue adapters mutate Status, FilledSize, FilledPrice, and VenueOrderID
// in place when placing it.
type Order struct {
	ID           uuid.UUID
	BookID       uuid.UUID
	StrategyID   *uuid.UUID
	VenueID      *uuid.UUID // venue hint carried from the request
	Venue        string
	Instrument   string
	Side         Side
	Size         decimal.Decimal
	Price        *decimal.Decimal
	Status       OrderStatus
	FilledSize   decimal.Decimal
	FilledPrice  *decimal.Decimal
	VenueOrderID string
	CreatedAt    time.Time
}

// Position is the store-owned open position for a (book, instrument) pair.
// At most one open position exists per pair. EntryPrice is the size-weighted
// average of all same-direction fills.
type Position struct {
	ID         string
	BookID     uuid.UUID
	StrategyID *uuid.UUID
	Instrument string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	IsOpen     bool
}

// Leg is one venue-specific order within a multi-leg plan.
type Leg struct {
	Venue      string
	Instrument string
	Side       Side
	Size       decimal.Decimal
}

// ExecutionPlan describes an ordered multi-leg execution, e.g. spot
// arbitrage: buy on venue A, sell on venue B.
type ExecutionPlan struct {
	Mode               ExecutionMode
	Legs               []Leg
	MaxTimeBetweenLegs time.Duration // 0 = no inter-leg deadline
	UnwindOnFail       bool
}

// Intent identifies the trade proposal a plan executes on behalf of.
// Book and strategy flow from the intent into every leg's order.
type Intent struct {
	ID            uuid.UUID
	BookID        uuid.UUID
	StrategyID    *uuid.UUID
	CorrelationID string
}
