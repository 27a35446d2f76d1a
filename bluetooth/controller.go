package bluetooth

import (
	"context"
	"log"
	"sync"
	"time"
)

// Controller owns the scan -> connect -> negotiate lifecycle for the
// cashier link and the reconnect policy. It is the only writer of the
// live connection handle; everyone else goes through Send/Messages and
// gets ErrNotReady when the link is down.
//
// Reconnect policy: fixed 2 s delay, unbounded retries, cancelled by
// session teardown.
type Controller struct {
	transport      Transport
	nameFilter     string
	scanTimeout    time.Duration
	reconnectDelay time.Duration
	chunkDelay     time.Duration

	mu           sync.RWMutex
	conn         Conn
	connCancel   context.CancelFunc
	reconnecting bool
	lastEvent    PhaseEvent

	stateCb     func(PhaseEvent)
	connectedCb func()

	messages chan string
}

// ControllerOption tweaks controller timings, mostly for tests.
type ControllerOption func(*Controller)

func WithScanTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.scanTimeout = d }
}

func WithReconnectDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.reconnectDelay = d }
}

func WithChunkDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.chunkDelay = d }
}

func NewController(transport Transport, nameFilter string, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport:      transport,
		nameFilter:     nameFilter,
		scanTimeout:    DefaultScanTimeout,
		reconnectDelay: DefaultReconnectDelay,
		chunkDelay:     DefaultChunkDelay,
		messages:       make(chan string, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnState registers the callback invoked for every debounced state
// transition. Must be set before Connect is first called.
func (c *Controller) OnState(cb func(PhaseEvent)) {
	c.stateCb = cb
}

// OnConnected registers the callback invoked after every successful
// connect, initial or re-. The order queue uses it to re-drive unsent
// orders.
func (c *Controller) OnConnected(cb func()) {
	c.connectedCb = cb
}

// Messages returns the stream of completed, sentinel-stripped messages
// reassembled from peripheral notifications.
func (c *Controller) Messages() <-chan string {
	return c.messages
}

// Connected reports whether a live link is currently held.
func (c *Controller) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// MTU reports the negotiated MTU, or the ATT default when disconnected.
func (c *Controller) MTU() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return DefaultMTU
	}
	return c.conn.MTU()
}

// Connect runs one full scan -> connect -> negotiate -> probe pass.
// ctx is the session context; cancelling it aborts the attempt and any
// reconnect loops spawned later.
func (c *Controller) Connect(ctx context.Context) error {
	c.setState(PhaseScanning, "scanning for devices")

	dev, err := c.transport.Scan(ctx, c.nameFilter, c.scanTimeout)
	if err != nil {
		c.setState(PhaseError, err.Error())
		return err
	}

	c.setState(PhaseConnecting, "bluetooth")
	conn, err := c.transport.Connect(ctx, dev)
	if err != nil {
		c.setState(PhaseError, err.Error())
		return err
	}

	// Stabilization probe. Some peripherals need link activity before
	// they are ready for larger writes.
	c.setState(PhaseConnecting, "observes")
	if err := c.writeChunks(ctx, conn, ProbeMessage()); err != nil {
		conn.Close()
		c.setState(PhaseError, err.Error())
		return err
	}

	c.adopt(ctx, conn)
	c.setState(PhaseConnected, dev.Name)

	if cb := c.connectedCb; cb != nil {
		go cb()
	}
	return nil
}

// adopt installs the new connection and starts its observer tasks. A
// previously held connection is cancelled and closed, so a connect
// racing a reconnect loop cannot leak a live link.
func (c *Controller) adopt(ctx context.Context, conn Conn) {
	connCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	old := c.conn
	if c.connCancel != nil {
		c.connCancel()
	}
	c.conn = conn
	c.connCancel = cancel
	c.mu.Unlock()

	if old != nil && old != conn {
		if err := old.Close(); err != nil {
			log.Printf("BLE_LOG: Failed to close replaced connection: %v", err)
		}
	}

	go c.observeNotifications(connCtx, conn)
	go c.observeStateFeed(ctx, connCtx, conn)
}

// observeNotifications reassembles inbound chunks into completed
// messages for the order queue.
func (c *Controller) observeNotifications(ctx context.Context, conn Conn) {
	chunks, err := conn.Observe(ctx)
	if err != nil {
		log.Printf("BLE_LOG: Failed to observe notifications: %v", err)
		return
	}

	var reasm Reassembler
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if msg, done := reasm.Feed(chunk); done {
				log.Printf("BLE_LOG: Full notification received: %s", msg)
				select {
				case c.messages <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// observeStateFeed watches the link's own lifecycle events and drives
// the reconnect loop on link loss. sessionCtx outlives the connection;
// connCtx dies with it.
func (c *Controller) observeStateFeed(sessionCtx, connCtx context.Context, conn Conn) {
	feed := conn.StateFeed(connCtx)
	for {
		select {
		case <-connCtx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			switch ev.Phase {
			case PhaseConnected:
				c.setState(PhaseConnected, ev.Detail)
			case PhaseDisconnected:
				log.Println("BLE_LOG: Peripheral disconnected, attempting to reconnect...")
				c.dropConn(conn)
				c.setState(PhaseDisconnected, ev.Detail)
				go c.reconnectLoop(sessionCtx)
				return
			case PhaseDisconnecting:
				c.setState(PhaseDisconnecting, ev.Detail)
			default:
				c.setState(PhaseError, "unknown state")
			}
		}
	}
}

// dropConn clears the handle if it still points at conn.
func (c *Controller) dropConn(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		if c.connCancel != nil {
			c.connCancel()
			c.connCancel = nil
		}
		c.conn = nil
	}
}

// reconnectLoop retries Connect with a fixed delay until it succeeds or
// the session is torn down. Only one loop runs at a time.
func (c *Controller) reconnectLoop(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.setState(PhaseReconnecting, "")
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.Connect(ctx); err == nil {
			log.Println("BLE_LOG: Reconnected to cashier")
			return
		} else if ctx.Err() != nil {
			return
		} else {
			log.Printf("BLE_LOG: Reconnection attempt failed: %v, retrying in %v", err, c.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// ForceReset tears the link down and starts a fresh reconnect cycle.
// Used for transmission failures, and in particular for fault code 133
// where the link is corrupted and a bare write retry cannot help.
func (c *Controller) ForceReset(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(PhaseDisconnected, "forced reset")
	go c.reconnectLoop(ctx)
}

// Send frames, chunks and writes one order payload over the live link.
// Fails fast with ErrNotReady when there is no connection.
func (c *Controller) Send(ctx context.Context, payload string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotReady
	}

	if err := c.writeChunks(ctx, conn, Frame(payload)); err != nil {
		if IsFault133(err) {
			log.Printf("BLE_LOG: GATT error 133 detected, resetting link: %v", err)
			c.ForceReset(ctx)
		}
		return err
	}
	return nil
}

// writeChunks writes a framed message as paced, acknowledged frames.
func (c *Controller) writeChunks(ctx context.Context, conn Conn, msg []byte) error {
	chunks := Chunk(msg, conn.MTU())
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkDelay):
			}
		}
		if err := conn.Write(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the link. Reconnect loops stop through the session
// context, not here.
func (c *Controller) Close() {
	c.mu.Lock()
	conn := c.conn
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("BLE_LOG: Disconnect failed: %v", err)
		}
	}
	c.setState(PhaseIdle, "")
}

// setState reports a debounced state transition. Rapid duplicates of
// the same phase and detail within the debounce window collapse to one
// event so link flapping does not reach observers. A detail change
// always goes through: the connecting sub-phases share a phase but
// must each reach observers.
func (c *Controller) setState(phase Phase, detail string) {
	now := time.Now()

	c.mu.Lock()
	if c.lastEvent.Phase == phase && c.lastEvent.Detail == detail && now.Sub(c.lastEvent.At) < DebounceWindow {
		c.mu.Unlock()
		return
	}
	ev := PhaseEvent{Phase: phase, Detail: detail, At: now}
	c.lastEvent = ev
	c.mu.Unlock()

	if cb := c.stateCb; cb != nil {
		cb(ev)
	}
}
