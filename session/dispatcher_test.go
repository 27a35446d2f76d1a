package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohamedebrahem13/ble-order/bluetooth"
	"github.com/mohamedebrahem13/ble-order/orders"
)

type fakeConn struct {
	mu     sync.Mutex
	mtu    uint16
	writes []byte
	notif  chan []byte
	feed   chan bluetooth.PhaseEvent
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		mtu:   100,
		notif: make(chan []byte, 16),
		feed:  make(chan bluetooth.PhaseEvent, 16),
	}
}

func (f *fakeConn) MTU() uint16 { return f.mtu }

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data...)
	return nil
}

func (f *fakeConn) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes)
}

func (f *fakeConn) Observe(ctx context.Context) (<-chan []byte, error) {
	return f.notif, nil
}

func (f *fakeConn) StateFeed(ctx context.Context) <-chan bluetooth.PhaseEvent {
	return f.feed
}

func (f *fakeConn) Close() error { return nil }

type fakeTransport struct {
	mu    sync.Mutex
	dev   *bluetooth.Device
	conns []*fakeConn
}

func (t *fakeTransport) Scan(ctx context.Context, nameFilter string, timeout time.Duration) (bluetooth.Device, error) {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		select {
		case <-ctx.Done():
			return bluetooth.Device{}, ctx.Err()
		case <-time.After(timeout):
			return bluetooth.Device{}, bluetooth.ErrScanTimeout
		}
	}
	return *dev, nil
}

func (t *fakeTransport) Connect(ctx context.Context, dev bluetooth.Device) (bluetooth.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testDispatcher(t *testing.T, transport bluetooth.Transport) (*Dispatcher, *orders.Store) {
	t.Helper()

	ctrl := bluetooth.NewController(transport, "Galaxy A14",
		bluetooth.WithScanTimeout(30*time.Millisecond),
		bluetooth.WithReconnectDelay(10*time.Millisecond),
		bluetooth.WithChunkDelay(time.Millisecond))

	store, err := orders.OpenStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := orders.NewQueue(store, ctrl)
	d := NewDispatcher(ctrl, queue)
	return d, store
}

func waitCond(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestScanAndConnectIntent(t *testing.T) {
	transport := &fakeTransport{dev: &bluetooth.Device{Name: "Galaxy A14", Address: "AA:BB:CC:DD:EE:FF"}}
	d, _ := testDispatcher(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(ScanAndConnect{})

	waitCond(t, time.Second, "connected state", func() bool {
		return d.Snapshot().Connection.Phase == "Connected"
	})
}

func TestScanTimeoutBecomesErrorState(t *testing.T) {
	transport := &fakeTransport{} // nothing advertises
	d, _ := testDispatcher(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(ScanAndConnect{})

	waitCond(t, time.Second, "error state", func() bool {
		return d.Snapshot().Connection.Phase == "Error"
	})
}

func TestOrdersDeliveredInSubmissionOrder(t *testing.T) {
	transport := &fakeTransport{dev: &bluetooth.Device{Name: "Galaxy A14", Address: "AA:BB:CC:DD:EE:FF"}}
	d, _ := testDispatcher(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(ScanAndConnect{})
	waitCond(t, time.Second, "connected state", func() bool {
		return d.Snapshot().Connection.Phase == "Connected"
	})

	d.Submit(SendOrderData{Payload: "order-A"})
	d.Submit(SendOrderData{Payload: "order-B"})

	conn := transport.lastConn()
	waitCond(t, 2*time.Second, "both orders written", func() bool {
		return conn.written() == "PINGEND1|order-AEND2|order-BEND"
	})
}

func TestSendWhileDisconnectedKeepsOrderDurable(t *testing.T) {
	transport := &fakeTransport{} // never connects
	d, store := testDispatcher(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(SendOrderData{Payload: "burger"})

	// The order is persisted and, with no live link, lands in the
	// failed set rather than being lost.
	waitCond(t, time.Second, "failed order recorded", func() bool {
		st := d.Snapshot()
		return len(st.FailedOrders) == 1 && st.FailedOrders[0] == "burger"
	})

	unsent, err := store.Unsent()
	if err != nil {
		t.Fatalf("Unsent failed: %v", err)
	}
	if len(unsent) != 1 || unsent[0].Payload != "burger" || unsent[0].Sent {
		t.Errorf("Expected one durable unsent order, got %+v", unsent)
	}
}

func TestDeleteUnsentOrderIntentIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	d, store := testDispatcher(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(SendOrderData{Payload: "burger"})
	waitCond(t, time.Second, "order persisted", func() bool {
		rows, _ := store.Unsent()
		return len(rows) == 1
	})
	rows, _ := store.Unsent()
	id := rows[0].ID

	d.Submit(DeleteUnsentOrder{ID: id})
	d.Submit(DeleteUnsentOrder{ID: id}) // second delete is a no-op

	waitCond(t, time.Second, "order deleted", func() bool {
		rows, _ := store.Unsent()
		return len(rows) == 0
	})
	if st := d.Snapshot(); st.Order.Kind == orders.StateError {
		t.Errorf("Duplicate delete must not surface an error, got %+v", st.Order)
	}
}

func TestStateChangesArePublished(t *testing.T) {
	transport := &fakeTransport{dev: &bluetooth.Device{Name: "Galaxy A14", Address: "AA:BB:CC:DD:EE:FF"}}
	d, _ := testDispatcher(t, transport)

	var mu sync.Mutex
	var phases []string
	d.OnChange(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != st.Connection.Phase {
			phases = append(phases, st.Connection.Phase)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Submit(ScanAndConnect{})
	waitCond(t, time.Second, "connected state", func() bool {
		return d.Snapshot().Connection.Phase == "Connected"
	})

	mu.Lock()
	defer mu.Unlock()
	sawScanning := false
	for _, p := range phases {
		if p == "Scanning" {
			sawScanning = true
		}
	}
	if !sawScanning || phases[len(phases)-1] != "Connected" {
		t.Errorf("Expected Scanning then Connected in published states, got %v", phases)
	}
}
