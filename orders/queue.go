package orders

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// StateKind tags the order delivery state exposed to observers.
type StateKind int

const (
	StateIdle StateKind = iota
	StateSending
	StateNotificationReceived
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StateNotificationReceived:
		return "NotificationReceived"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

// State is the order-side state record: a kind plus its payload (the
// order being sent, the notification text, or the error reason).
type State struct {
	Kind    StateKind `json:"kind"`
	Payload string    `json:"payload,omitempty"`
}

// Sender is the slice of the connection controller the queue needs: an
// acknowledged send path, the reassembled notification stream, and a
// way to force a link reset after a failed transmission.
type Sender interface {
	Send(ctx context.Context, payload string) error
	Messages() <-chan string
	ForceReset(ctx context.Context)
}

type request struct {
	id      int64
	payload string // raw payload, without the id prefix
}

// Queue sequences order transmissions. Every accepted order is
// persisted before transmission, sent strictly FIFO with at most one
// in flight, and re-driven after every reconnection until the cashier
// confirms it.
type Queue struct {
	store  *Store
	sender Sender

	requests   chan request
	ackTimeout time.Duration

	mu     sync.Mutex
	failed []string // payloads that failed mid-session, cleared after a retry pass

	stateCb func(State)
}

func NewQueue(store *Store, sender Sender) *Queue {
	return &Queue{
		store:      store,
		sender:     sender,
		requests:   make(chan request, 100),
		ackTimeout: 10 * time.Second,
	}
}

// OnState registers the callback invoked for every order state change.
// Must be set before Run starts.
func (q *Queue) OnState(cb func(State)) {
	q.stateCb = cb
}

// Submit persists the order (sent=false) and enqueues it for
// transmission. The returned id is durable: the order survives restart
// whatever the transmission outcome.
func (q *Queue) Submit(payload string) (int64, error) {
	id, err := q.store.Insert(payload, time.Now())
	if err != nil {
		return 0, err
	}
	log.Printf("ORDER_LOG: Persisted order %d (%d bytes)", id, len(payload))

	select {
	case q.requests <- request{id: id, payload: payload}:
	default:
		// Queue full: the order is already durable, the next
		// reconnect pass will pick it up.
		log.Printf("ORDER_LOG: Transmission queue full, order %d deferred to retry pass", id)
	}
	return id, nil
}

// Delete removes an unsent order permanently. Idempotent.
func (q *Queue) Delete(id int64) error {
	if err := q.store.DeleteByID(id); err != nil {
		return err
	}
	log.Printf("ORDER_LOG: Deleted order %d", id)
	return nil
}

// Failed returns a snapshot of the transient failed-order payloads.
func (q *Queue) Failed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.failed))
	copy(out, q.failed)
	return out
}

// Run drains the queue strictly FIFO until ctx is cancelled. Order N+1
// is not started until order N's attempt has completed.
func (q *Queue) Run(ctx context.Context) {
	log.Println("ORDER_LOG: Transmission worker started")
	for {
		select {
		case <-ctx.Done():
			log.Println("ORDER_LOG: Transmission worker stopping")
			return
		case req := <-q.requests:
			q.sendOne(ctx, req)
		}
	}
}

// sendOne performs a single transmission attempt. The wire payload is
// "{id}|{payload}" so the peripheral can correlate its acknowledgment.
func (q *Queue) sendOne(ctx context.Context, req request) {
	wire := fmt.Sprintf("%d|%s", req.id, req.payload)
	q.setState(State{Kind: StateSending, Payload: req.payload})

	if err := q.sender.Send(ctx, wire); err != nil {
		log.Printf("ORDER_LOG: Order %d failed to send: %v", req.id, err)
		q.setState(State{Kind: StateError, Payload: err.Error()})

		q.mu.Lock()
		q.failed = append(q.failed, req.payload)
		q.mu.Unlock()

		// A failed write means the link is suspect. Reset it and let
		// the reconnect pass re-drive this order.
		q.sender.ForceReset(ctx)
		return
	}

	if err := q.store.MarkSent(req.id, true); err != nil {
		log.Printf("ORDER_LOG: Failed to mark order %d sent: %v", req.id, err)
	}
	log.Printf("ORDER_LOG: Order %d sent, awaiting acknowledgment", req.id)

	select {
	case <-ctx.Done():
	case msg := <-q.sender.Messages():
		q.setState(State{Kind: StateNotificationReceived, Payload: msg})
	case <-time.After(q.ackTimeout):
		// The write itself was acknowledged at the link layer; a
		// missing application ack is logged but does not unsend the
		// order.
		log.Printf("ORDER_LOG: No acknowledgment for order %d within %v", req.id, q.ackTimeout)
	}
}

// RetryPending re-drives every order still unsent in durable storage
// through the normal send path, then clears the transient failed set.
// Called exactly once per reconnection event.
func (q *Queue) RetryPending() {
	unsent, err := q.store.Unsent()
	if err != nil {
		log.Printf("ORDER_LOG: Failed to list unsent orders for retry: %v", err)
		return
	}

	if len(unsent) > 0 {
		log.Printf("ORDER_LOG: Re-driving %d unsent order(s) after reconnect", len(unsent))
	}
	for _, o := range unsent {
		select {
		case q.requests <- request{id: o.ID, payload: o.Payload}:
		default:
			log.Printf("ORDER_LOG: Retry queue full, order %d deferred to next pass", o.ID)
		}
	}

	q.mu.Lock()
	q.failed = nil
	q.mu.Unlock()
}

func (q *Queue) setState(st State) {
	if cb := q.stateCb; cb != nil {
		cb(st)
	}
}
