package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeplane/pkg/types"
)

// fakeVenue records every order it is asked to place. Failing venues
// reject everything.
type fakeVenue struct {
	name   string
	fail   bool
	orders []*types.Order
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PlaceOrder(ctx context.Context, order *types.Order) error {
	v.orders = append(v.orders, order)
	if v.fail {
		return errors.New("venue rejected order")
	}
	order.Status = types.StatusFilled
	order.FilledSize = order.Size
	order.VenueOrderID = v.name + "-" + order.ID.String()[:8]
	return nil
}

func twoLegPlan(unwind bool, maxGap time.Duration) types.ExecutionPlan {
	one := decimal.NewFromInt(1)
	return types.ExecutionPlan{
		Mode: types.ModeLegged,
		Legs: []types.Leg{
			{Venue: "venue_a", Instrument: "BTC-USD", Side: types.Buy, Size: one},
			{Venue: "venue_b", Instrument: "BTC-USD", Side: types.Sell, Size: one},
		},
		MaxTimeBetweenLegs: maxGap,
		UnwindOnFail:       unwind,
	}
}

func testIntent() types.Intent {
	return types.Intent{ID: uuid.New(), BookID: uuid.New(), CorrelationID: "corr-plan"}
}

type orderSink struct {
	orders []*types.Order
}

func (s *orderSink) save(ctx context.Context, order *types.Order) error {
	s.orders = append(s.orders, order)
	return nil
}

func TestPlanAllLegsSucceed(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, testLogger())
	venueA := &fakeVenue{name: "venue_a"}
	venueB := &fakeVenue{name: "venue_b"}
	sink := &orderSink{}

	committed := p.ExecutePlan(context.Background(), testIntent(), twoLegPlan(true, 0),
		map[string]VenueAdapter{"venue_a": venueA, "venue_b": venueB}, sink.save)

	if len(committed) != 2 {
		t.Fatalf("committed %d orders, want 2", len(committed))
	}
	if committed[0].Venue != "venue_a" || committed[1].Venue != "venue_b" {
		t.Errorf("legs out of order: %s, %s", committed[0].Venue, committed[1].Venue)
	}
	if len(sink.orders) != 2 {
		t.Errorf("sink saw %d orders, want 2", len(sink.orders))
	}
}

func TestUnwindOnLegFailure(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, testLogger())
	venueA := &fakeVenue{name: "venue_a"}
	venueB := &fakeVenue{name: "venue_b", fail: true}
	sink := &orderSink{}
	intent := testIntent()

	committed := p.ExecutePlan(context.Background(), intent, twoLegPlan(true, 0),
		map[string]VenueAdapter{"venue_a": venueA, "venue_b": venueB}, sink.save)

	if len(committed) != 0 {
		t.Fatalf("partial-failed plan committed %d orders, want 0", len(committed))
	}
	// Original buy plus the reversing sell.
	if len(venueA.orders) != 2 {
		t.Fatalf("venue_a saw %d orders, want 2", len(venueA.orders))
	}
	reversing := venueA.orders[1]
	if reversing.Side != types.Sell {
		t.Errorf("reversing side = %s, want sell", reversing.Side)
	}
	if !reversing.Size.Equal(venueA.orders[0].Size) {
		t.Errorf("reversing size = %s, want %s", reversing.Size, venueA.orders[0].Size)
	}
	if reversing.BookID != intent.BookID {
		t.Error("reversing order lost the intent's book")
	}

	// The failed attempt itself.
	if len(venueB.orders) != 1 {
		t.Errorf("venue_b saw %d orders, want 1", len(venueB.orders))
	}
	// Every attempt reaches the sink: leg 1, failed leg 2, reversing order.
	if len(sink.orders) != 3 {
		t.Errorf("sink saw %d orders, want 3", len(sink.orders))
	}
}

func TestFailureWithoutUnwindKeepsCompletedLegs(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, testLogger())
	venueA := &fakeVenue{name: "venue_a"}
	venueB := &fakeVenue{name: "venue_b", fail: true}
	sink := &orderSink{}

	committed := p.ExecutePlan(context.Background(), testIntent(), twoLegPlan(false, 0),
		map[string]VenueAdapter{"venue_a": venueA, "venue_b": venueB}, sink.save)

	if len(committed) != 1 || committed[0].Venue != "venue_a" {
		t.Fatalf("committed = %v, want the completed first leg", committed)
	}
	if len(venueA.orders) != 1 {
		t.Errorf("venue_a saw %d orders, want 1 (no reversing order)", len(venueA.orders))
	}
}

func TestInterLegDeadlineTriggersUnwind(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, testLogger())
	venueA := &fakeVenue{name: "venue_a"}
	venueB := &fakeVenue{name: "venue_b"}
	sink := &orderSink{}

	// A one-nanosecond budget is always breached between legs.
	committed := p.ExecutePlan(context.Background(), testIntent(), twoLegPlan(true, time.Nanosecond),
		map[string]VenueAdapter{"venue_a": venueA, "venue_b": venueB}, sink.save)

	if len(committed) != 0 {
		t.Fatalf("deadline breach committed %d orders, want 0", len(committed))
	}
	if len(venueB.orders) != 0 {
		t.Error("breached leg must not be submitted")
	}
	if len(venueA.orders) != 2 {
		t.Errorf("venue_a saw %d orders, want original plus reversing", len(venueA.orders))
	}
}

func TestMissingAdapterTriggersUnwind(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, testLogger())
	venueA := &fakeVenue{name: "venue_a"}
	sink := &orderSink{}

	committed := p.ExecutePlan(context.Background(), testIntent(), twoLegPlan(true, 0),
		map[string]VenueAdapter{"venue_a": venueA}, sink.save)

	if len(committed) != 0 {
		t.Fatalf("plan with unknown venue committed %d orders, want 0", len(committed))
	}
	if len(venueA.orders) != 2 {
		t.Errorf("venue_a saw %d orders, want original plus reversing", len(venueA.orders))
	}
}
