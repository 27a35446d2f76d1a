package orders

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := testStore(t)

	id1, err := s.Insert("burger", time.Now())
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id2, err := s.Insert("fries", time.Now())
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if id2 <= id1 {
		t.Errorf("Expected monotonic ids, got %d then %d", id1, id2)
	}
}

func TestUnsentExcludesSentOrders(t *testing.T) {
	s := testStore(t)

	id1, _ := s.Insert("burger", time.Now())
	id2, _ := s.Insert("fries", time.Now())

	if err := s.MarkSent(id1, true); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	unsent, err := s.Unsent()
	if err != nil {
		t.Fatalf("Unsent failed: %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("Expected 1 unsent order, got %d", len(unsent))
	}
	if unsent[0].ID != id2 || unsent[0].Payload != "fries" {
		t.Errorf("Unexpected unsent order: %+v", unsent[0])
	}
	if unsent[0].Sent {
		t.Error("Unsent order reported as sent")
	}
}

func TestUnsentOrderedOldestFirst(t *testing.T) {
	s := testStore(t)

	ids := make([]int64, 3)
	for i, p := range []string{"a", "b", "c"} {
		id, err := s.Insert(p, time.Now())
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids[i] = id
	}

	unsent, err := s.Unsent()
	if err != nil {
		t.Fatalf("Unsent failed: %v", err)
	}
	for i := range ids {
		if unsent[i].ID != ids[i] {
			t.Errorf("Position %d: expected id %d, got %d", i, ids[i], unsent[i].ID)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := testStore(t)

	id, _ := s.Insert("burger", time.Now())

	if err := s.DeleteByID(id); err != nil {
		t.Fatalf("First delete failed: %v", err)
	}
	// Second delete of the same id is a no-op, not an error.
	if err := s.DeleteByID(id); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}

	unsent, _ := s.Unsent()
	if len(unsent) != 0 {
		t.Errorf("Expected empty store, got %d orders", len(unsent))
	}
}

func TestOrdersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.db")

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	id, _ := s.Insert("burger", time.Now())
	s.Close()

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	unsent, err := s2.Unsent()
	if err != nil {
		t.Fatalf("Unsent failed: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != id {
		t.Errorf("Order did not survive reopen: %+v", unsent)
	}
}

func TestWatchSignalsOnMutation(t *testing.T) {
	s := testStore(t)
	ch := s.Watch()

	if _, err := s.Insert("burger", time.Now()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Watch channel not signalled after insert")
	}
}
