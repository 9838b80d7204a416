package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(nil)

	all, cancelAll := bus.Subscribe()
	defer cancelAll()
	balances, cancelBal := bus.Subscribe(KindBalanceChanged)
	defer cancelBal()
	orders, cancelOrd := bus.Subscribe(KindOrderStatusChanged)
	defer cancelOrd()

	bus.Publish(BalanceChanged{UserID: "u1", Operation: "credit", Amount: "10.00"})

	select {
	case ev := <-all:
		if ev.Kind != KindBalanceChanged {
			t.Errorf("all-subscriber got kind %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("all-subscriber did not receive event")
	}

	select {
	case ev := <-balances:
		p, ok := ev.Payload.(BalanceChanged)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if p.UserID != "u1" {
			t.Errorf("userID = %s", p.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("balance subscriber did not receive event")
	}

	select {
	case ev := <-orders:
		t.Fatalf("order subscriber should not receive %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic the bus itself.
	bus.Publish(DisputeOpened{DisputeID: "d1", OrderID: "o1"})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(KindBalanceChanged)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(BalanceChanged{UserID: "u1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// Drain a few to confirm events were not lost outright.
	for i := 0; i < subscriberBuffer; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestCancelWhileSpillsInFlight(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(KindBalanceChanged)

	// Fill the buffer so every further publish spills to a goroutine.
	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(BalanceChanged{UserID: "u1"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(BalanceChanged{UserID: "u1"})
			}
		}()
	}

	// Cancel races the blocked spill sends; none of them may panic and
	// cancel must not return before they are all unwound.
	cancel()
	wg.Wait()

	// The channel is closed once no sender remains, so draining ends.
	for range ch {
	}
}
