package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/payrail/payrail/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func balanceEvent(userID string) events.Event {
	return events.Event{
		ID:         "evt_test",
		Kind:       events.KindBalanceChanged,
		OccurredAt: time.Now(),
		Payload:    events.BalanceChanged{UserID: userID, Operation: "credit_available", Amount: "5.00"},
	}
}

func orderEvent(orderID string) events.Event {
	return events.Event{
		ID:         "evt_test",
		Kind:       events.KindOrderStatusChanged,
		OccurredAt: time.Now(),
		Payload:    events.OrderStatusChanged{OrderID: orderID, From: "CREATED", To: "FUNDS_RESERVED"},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, balanceEvent("usr_1")) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Kinds: []string{string(events.KindBalanceChanged), string(events.KindTopUpSettled)},
	}}

	if !h.shouldSend(client, balanceEvent("usr_1")) {
		t.Error("Should receive balance events")
	}
	topup := events.Event{
		Kind:    events.KindTopUpSettled,
		Payload: events.TopUpSettled{TopUpID: "tpu_1", UserID: "usr_1", Amount: "5.00", Status: "COMPLETED"},
	}
	if !h.shouldSend(client, topup) {
		t.Error("Should receive top-up events")
	}
	if h.shouldSend(client, orderEvent("ord_1")) {
		t.Error("Should NOT receive order events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"usr_alice"},
	}}

	if !h.shouldSend(client, balanceEvent("usr_alice")) {
		t.Error("Should match on userId")
	}
	if h.shouldSend(client, balanceEvent("usr_bob")) {
		t.Error("Should NOT match unrelated users")
	}

	opened := events.Event{
		Kind:    events.KindDisputeOpened,
		Payload: events.DisputeOpened{DisputeID: "dsp_1", OrderID: "ord_1", OpenedBy: "usr_alice"},
	}
	if !h.shouldSend(client, opened) {
		t.Error("Should match the dispute opener")
	}

	// Order transitions carry no user dimension
	if h.shouldSend(client, orderEvent("ord_1")) {
		t.Error("User filter should drop events with no user dimension")
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		OrderIDs: []string{"ord_watched"},
	}}

	if !h.shouldSend(client, orderEvent("ord_watched")) {
		t.Error("Should match watched order")
	}
	if h.shouldSend(client, orderEvent("ord_other")) {
		t.Error("Should NOT match other orders")
	}

	resolved := events.Event{
		Kind:    events.KindDisputeResolved,
		Payload: events.DisputeResolved{DisputeID: "dsp_1", OrderID: "ord_watched", Decision: "SPLIT"},
	}
	if !h.shouldSend(client, resolved) {
		t.Error("Should match dispute events for the watched order")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, balanceEvent("usr_1")) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(balanceEvent("usr_1"))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(balanceEvent("usr_1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ReceivesBusEvents(t *testing.T) {
	h := testHub()
	bus := events.NewBus(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, bus)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.BalanceChanged{UserID: "usr_1", Operation: "credit_available", Amount: "9.00"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for bus event delivery")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx, nil)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	// Client only wants order transitions
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Kinds: []string{string(events.KindOrderStatusChanged)}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Balance event should be filtered out
	h.Broadcast(balanceEvent("usr_1"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive balance event")
	default:
		// Good - filtered out
	}

	// Order event should be received
	h.Broadcast(orderEvent("ord_1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive order event")
	}
}
