// Package orders persists order messages and drives their delivery to
// the cashier peripheral with at-least-once semantics.
package orders

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Order is one unit of work: a message to deliver to the cashier. The
// id is assigned by the store at persistence time and is stable for the
// order's lifetime. Sent only ever flips false -> true.
type Order struct {
	ID        int64     `json:"order_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Sent      bool      `json:"is_sent"`
}

// Store is the durable order table, SQLite in WAL mode. Every accepted
// send intent becomes exactly one row before any transmission attempt;
// rows are never deleted except by explicit external command.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	watchers []chan struct{}
}

// OpenStore opens (or creates) the order database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("orders: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("orders: ping: %w", err)
	}
	// Single writer; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const ddlOrders = `
CREATE TABLE IF NOT EXISTS orders (
    order_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    payload    TEXT    NOT NULL,
    created_at INTEGER NOT NULL,          -- Unix milliseconds
    is_sent    INTEGER NOT NULL DEFAULT 0 -- bool: 0 = unsent, 1 = sent
);
CREATE INDEX IF NOT EXISTS idx_orders_is_sent ON orders (is_sent);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(ddlOrders); err != nil {
		return fmt.Errorf("orders: migrate: %w", err)
	}
	return nil
}

// Insert persists a new unsent order and returns its identifier.
func (s *Store) Insert(payload string, createdAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO orders (payload, created_at, is_sent) VALUES (?, ?, 0)`,
		payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("orders: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("orders: insert id: %w", err)
	}
	s.notify()
	return id, nil
}

// Unsent returns a snapshot of every order with is_sent = 0, oldest
// first.
func (s *Store) Unsent() ([]Order, error) {
	rows, err := s.db.Query(
		`SELECT order_id, payload, created_at, is_sent FROM orders WHERE is_sent = 0 ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("orders: list unsent: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var createdMs int64
		var sent int
		if err := rows.Scan(&o.ID, &o.Payload, &createdMs, &sent); err != nil {
			return nil, fmt.Errorf("orders: scan: %w", err)
		}
		o.CreatedAt = time.UnixMilli(createdMs)
		o.Sent = sent != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkSent flips the order's sent flag. The flag is monotonic in
// practice: the queue only ever marks true after a confirmed write.
func (s *Store) MarkSent(id int64, sent bool) error {
	val := 0
	if sent {
		val = 1
	}
	if _, err := s.db.Exec(`UPDATE orders SET is_sent = ? WHERE order_id = ?`, val, id); err != nil {
		return fmt.Errorf("orders: mark sent %d: %w", id, err)
	}
	s.notify()
	return nil
}

// DeleteByID removes an order permanently. Deleting an id that does not
// exist is a no-op, not an error.
func (s *Store) DeleteByID(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM orders WHERE order_id = ?`, id); err != nil {
		return fmt.Errorf("orders: delete %d: %w", id, err)
	}
	s.notify()
	return nil
}

// Watch returns a channel signalled after every store mutation, so
// observers can re-read the unsent set without polling. The channel has
// a one-slot buffer; a pending signal coalesces further ones.
func (s *Store) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
