// Package events provides the typed domain event bus.
//
// Events are published after the local transaction that produced them has
// committed, never before. Delivery is at-least-once and best-effort:
// a failed or slow subscriber never rolls back or blocks the mutation
// that emitted the event.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/payrail/payrail/internal/idgen"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrail",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total domain events published by kind.",
	}, []string{"kind"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payrail",
		Subsystem: "events",
		Name:      "slow_subscriber_total",
		Help:      "Total deliveries that had to spill to a goroutine because a subscriber was slow.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped)
}

// Kind identifies the event variant.
type Kind string

const (
	KindBalanceChanged     Kind = "ledger.balance_changed"
	KindOrderStatusChanged Kind = "order.status_changed"
	KindEscrowStatusChanged Kind = "escrow.status_changed"
	KindMilestoneCompleted Kind = "order.milestone_completed"
	KindDisputeOpened      Kind = "dispute.opened"
	KindDisputeResolved    Kind = "dispute.resolved"
	KindTopUpSettled       Kind = "transfer.topup_settled"
	KindWithdrawalSettled  Kind = "transfer.withdrawal_settled"
	KindReconcileAlert     Kind = "reconciliation.discrepancy"
)

// Payload is the tagged union of event bodies. Each variant reports its
// own Kind so subscribers can switch on the concrete type or the tag.
type Payload interface {
	EventKind() Kind
}

// BalanceChanged describes a committed ledger mutation as a state delta.
type BalanceChanged struct {
	UserID        string `json:"userId"`
	Operation     string `json:"operation"`
	Amount        string `json:"amount"`
	PrevAvailable string `json:"prevAvailable"`
	NewAvailable  string `json:"newAvailable"`
	PrevReserved  string `json:"prevReserved"`
	NewReserved   string `json:"newReserved"`
	Reference     string `json:"reference,omitempty"`
}

func (BalanceChanged) EventKind() Kind { return KindBalanceChanged }

// OrderStatusChanged describes an order transition.
type OrderStatusChanged struct {
	OrderID string `json:"orderId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"` // e.g. "compensation", "reconciliation"
}

func (OrderStatusChanged) EventKind() Kind { return KindOrderStatusChanged }

// EscrowStatusChanged describes an escrow transition.
type EscrowStatusChanged struct {
	OrderID    string `json:"orderId"`
	ContractID string `json:"contractId,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
}

func (EscrowStatusChanged) EventKind() Kind { return KindEscrowStatusChanged }

// MilestoneCompleted marks a milestone as done.
type MilestoneCompleted struct {
	OrderID string `json:"orderId"`
	Ref     string `json:"ref"`
	Amount  string `json:"amount"`
}

func (MilestoneCompleted) EventKind() Kind { return KindMilestoneCompleted }

// DisputeOpened is emitted when a dispute blocks an order.
type DisputeOpened struct {
	DisputeID string `json:"disputeId"`
	OrderID   string `json:"orderId"`
	OpenedBy  string `json:"openedBy"`
}

func (DisputeOpened) EventKind() Kind { return KindDisputeOpened }

// DisputeResolved carries the final decision.
type DisputeResolved struct {
	DisputeID     string `json:"disputeId"`
	OrderID       string `json:"orderId"`
	Decision      string `json:"decision"`
	ReleaseAmount string `json:"releaseAmount,omitempty"`
	RefundAmount  string `json:"refundAmount,omitempty"`
}

func (DisputeResolved) EventKind() Kind { return KindDisputeResolved }

// TopUpSettled is emitted when a top-up reaches a terminal state.
type TopUpSettled struct {
	TopUpID string `json:"topupId"`
	UserID  string `json:"userId"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
}

func (TopUpSettled) EventKind() Kind { return KindTopUpSettled }

// WithdrawalSettled is emitted when a withdrawal reaches a terminal state.
type WithdrawalSettled struct {
	WithdrawalID string `json:"withdrawalId"`
	UserID       string `json:"userId"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
}

func (WithdrawalSettled) EventKind() Kind { return KindWithdrawalSettled }

// ReconcileAlert is emitted when a reconciliation run found discrepancies.
type ReconcileAlert struct {
	Job           string `json:"job"`
	Discrepancies int    `json:"discrepancies"`
}

func (ReconcileAlert) EventKind() Kind { return KindReconcileAlert }

// Event is the envelope delivered to subscribers.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    Payload   `json:"payload"`
}

const subscriberBuffer = 256

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // nil means all kinds

	// done stops in-flight spill goroutines on cancel; spills tracks them
	// so cancel can close ch only once no send can still be running.
	done   chan struct{}
	spills sync.WaitGroup
}

// Bus is an in-process publish/subscribe fanout for domain events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a subscriber for the given kinds (all kinds when
// none are given). The returned cancel func detaches the subscriber and
// closes its channel.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if !ok {
			return
		}
		// Publish no longer sees the subscriber, so no new sends can
		// start; wake the spill goroutines and wait them out before
		// closing the channel.
		close(s.done)
		s.spills.Wait()
		close(s.ch)
	}
	return sub.ch, cancel
}

// Publish delivers payload to every matching subscriber. Callers invoke
// it only after their local transaction has committed. A subscriber with
// a full buffer gets the event from a spill goroutine rather than losing
// it, so delivery stays at-least-once.
func (b *Bus) Publish(payload Payload) {
	ev := Event{
		ID:         idgen.WithPrefix("evt_"),
		Kind:       payload.EventKind(),
		OccurredAt: time.Now(),
		Payload:    payload,
	}
	eventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			eventsDropped.Inc()
			sub.spills.Add(1)
			go func(sub *subscriber, ev Event) {
				defer sub.spills.Done()
				select {
				case sub.ch <- ev:
				case <-sub.done:
					// Subscriber cancelled while the spill was blocked.
				}
			}(sub, ev)
		}
	}
}
