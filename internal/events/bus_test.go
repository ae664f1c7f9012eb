package events

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversExactlyOncePerSubscriber(t *testing.T) {
	t.Parallel()
	bus := NewBus(testLogger())

	var first, second int
	bus.Subscribe(OrderFilledName, func(evt any) { first++ })
	bus.Subscribe(OrderFilledName, func(evt any) { second++ })

	bus.Publish(OrderFilledName, OrderFilled{})
	bus.Publish(OrderFilledName, OrderFilled{})

	if first != 2 || second != 2 {
		t.Errorf("deliveries = %d/%d, want 2/2", first, second)
	}
}

func TestPublishPreservesSubscriptionOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus(testLogger())

	var order []string
	bus.Subscribe(ExitTriggeredName, func(evt any) { order = append(order, "a") })
	bus.Subscribe(ExitTriggeredName, func(evt any) { order = append(order, "b") })

	bus.Publish(ExitTriggeredName, ExitTriggered{})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("delivery order = %v, want [a b]", order)
	}
}

func TestPublishToUnknownNameIsNoop(t *testing.T) {
	t.Parallel()
	bus := NewBus(testLogger())
	bus.Publish("no.such.event", struct{}{}) // must not panic
}

func TestPanickingHandlerDoesNotPoisonOthers(t *testing.T) {
	t.Parallel()
	bus := NewBus(testLogger())

	var delivered bool
	bus.Subscribe(LimitBreachedName, func(evt any) { panic("boom") })
	bus.Subscribe(LimitBreachedName, func(evt any) { delivered = true })

	bus.Publish(LimitBreachedName, LimitBreached{})

	if !delivered {
		t.Error("second subscriber should receive event after first panicked")
	}
}

func TestTypedPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	bus := NewBus(testLogger())

	var got SingleLegExposure
	bus.Subscribe(SingleLegExposureName, func(evt any) {
		e, ok := evt.(SingleLegExposure)
		if !ok {
			t.Fatalf("payload type = %T, want SingleLegExposure", evt)
		}
		got = e
	})

	bus.Publish(SingleLegExposureName, SingleLegExposure{PositionID: "pos-1", PairID: "pair-1"})

	if got.PositionID != "pos-1" || got.PairID != "pair-1" {
		t.Errorf("payload = %+v, want position pos-1 pair pair-1", got)
	}
}
