package types

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestNewOrderRequestZeroSize(t *testing.T) {
	t.Parallel()

	_, err := NewOrderRequest(uuid.New(), "BTC-USD", Buy, decimal.Zero, nil, Market)
	if err == nil {
		t.Fatal("expected validation error for zero size")
	}
	if !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("error should wrap ErrInvalidOrder, got %v", err)
	}
	if !strings.Contains(err.Error(), "size") {
		t.Errorf("error should mention size, got %q", err)
	}
}

func TestNewOrderRequestNegativeSize(t *testing.T) {
	t.Parallel()

	_, err := NewOrderRequest(uuid.New(), "BTC-USD", Sell, decimal.NewFromInt(-1), nil, Market)
	if err == nil {
		t.Fatal("expected validation error for negative size")
	}
}

func TestNewOrderRequestLimitWithoutPrice(t *testing.T) {
	t.Parallel()

	_, err := NewOrderRequest(uuid.New(), "BTC-USD", Buy, decimal.NewFromFloat(0.1), nil, Limit)
	if err == nil {
		t.Fatal("limit order without price should fail validation")
	}
	if !strings.Contains(err.Error(), "price") {
		t.Errorf("error should mention price, got %q", err)
	}
}

func TestNewOrderRequestValid(t *testing.T) {
	t.Parallel()

	price := decimal.NewFromInt(50000)
	req, err := NewOrderRequest(uuid.New(), "BTC-USD", Buy, decimal.NewFromFloat(0.1), &price, Limit)
	if err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if req.OrderType != Limit || !req.Size.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("request fields not preserved: %+v", req)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite must swap buy and sell")
	}
}
