package session

import (
	"context"
	"log"
	"sync"

	"github.com/mohamedebrahem13/ble-order/bluetooth"
	"github.com/mohamedebrahem13/ble-order/orders"
)

// intentQueue is an unbounded FIFO. Intents never interleave because a
// single worker drains it in submission order.
type intentQueue struct {
	mu     sync.Mutex
	items  []Intent
	signal chan struct{}
}

func newIntentQueue() *intentQueue {
	return &intentQueue{signal: make(chan struct{}, 1)}
}

func (q *intentQueue) push(in Intent) {
	q.mu.Lock()
	q.items = append(q.items, in)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *intentQueue) pop(ctx context.Context) (Intent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			in := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return in, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

// Dispatcher routes intents to the connection controller and the order
// queue, and folds their status callbacks into the single state record.
// All intent processing happens on one worker goroutine.
type Dispatcher struct {
	ctrl  *bluetooth.Controller
	queue *orders.Queue

	intents *intentQueue

	mu    sync.RWMutex
	state State

	onChange func(State)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(ctrl *bluetooth.Controller, queue *orders.Queue) *Dispatcher {
	d := &Dispatcher{
		ctrl:    ctrl,
		queue:   queue,
		intents: newIntentQueue(),
		state: State{
			Connection:   ConnectionState{Phase: bluetooth.PhaseIdle.String()},
			Order:        orders.State{Kind: orders.StateIdle},
			FailedOrders: []string{},
		},
		done: make(chan struct{}),
	}

	ctrl.OnState(d.setConnectionState)
	queue.OnState(d.setOrderState)
	ctrl.OnConnected(func() {
		log.Println("SESSION: Link up, re-driving pending orders")
		queue.RetryPending()
		d.refreshFailedOrders()
	})

	return d
}

// OnChange registers the callback invoked after every state record
// update. Must be set before Start.
func (d *Dispatcher) OnChange(cb func(State)) {
	d.onChange = cb
}

// Start launches the intent worker and the order transmission worker.
// Both stop when ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.queue.Run(ctx)
	go d.run(ctx)
}

// Close tears the session down: the intent loop, the order drain loop
// and the state observation loops all stop, and the link is released.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
	d.ctrl.Close()
}

// Submit appends an intent to the processing queue. Never blocks.
func (d *Dispatcher) Submit(in Intent) {
	d.intents.push(in)
}

// Snapshot returns a copy of the current state record.
func (d *Dispatcher) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.state
	st.FailedOrders = append([]string{}, d.state.FailedOrders...)
	return st
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	log.Println("SESSION: Intent worker started")

	for {
		in, ok := d.intents.pop(ctx)
		if !ok {
			log.Println("SESSION: Intent worker stopping")
			return
		}
		d.handle(ctx, in)
	}
}

// handle processes one intent. The switch is exhaustive over the
// closed intent set.
func (d *Dispatcher) handle(ctx context.Context, in Intent) {
	switch intent := in.(type) {
	case ScanAndConnect:
		log.Println("SESSION: Intent ScanAndConnect")
		if err := d.ctrl.Connect(ctx); err != nil {
			// The controller already surfaced the failure as a
			// connection state; nothing escapes to callers.
			log.Printf("SESSION: Connect failed: %v", err)
		}

	case SendOrderData:
		log.Printf("SESSION: Intent SendOrderData (%d bytes)", len(intent.Payload))
		if _, err := d.queue.Submit(intent.Payload); err != nil {
			log.Printf("SESSION: Failed to persist order: %v", err)
			d.setOrderState(orders.State{Kind: orders.StateError, Payload: err.Error()})
		}

	case DeleteUnsentOrder:
		log.Printf("SESSION: Intent DeleteUnsentOrder(%d)", intent.ID)
		if err := d.queue.Delete(intent.ID); err != nil {
			log.Printf("SESSION: Failed to delete order %d: %v", intent.ID, err)
			d.setOrderState(orders.State{Kind: orders.StateError, Payload: err.Error()})
		}

	default:
		log.Printf("SESSION: Unknown intent %T dropped", in)
	}
}

func (d *Dispatcher) setConnectionState(ev bluetooth.PhaseEvent) {
	d.mu.Lock()
	d.state.Connection = connectionStateFrom(ev)
	d.state.FailedOrders = d.queue.Failed()
	st := d.state
	d.mu.Unlock()

	log.Printf("SESSION: Connection state -> %s %s", st.Connection.Phase, st.Connection.Detail)
	d.publish(st)
}

func (d *Dispatcher) setOrderState(st orders.State) {
	d.mu.Lock()
	d.state.Order = st
	d.state.FailedOrders = d.queue.Failed()
	snap := d.state
	d.mu.Unlock()

	d.publish(snap)
}

func (d *Dispatcher) refreshFailedOrders() {
	d.mu.Lock()
	d.state.FailedOrders = d.queue.Failed()
	snap := d.state
	d.mu.Unlock()

	d.publish(snap)
}

func (d *Dispatcher) publish(st State) {
	if cb := d.onChange; cb != nil {
		cb(st)
	}
}
