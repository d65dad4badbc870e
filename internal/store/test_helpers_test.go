package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock pins the store clock so queued_at is deterministic.
func fixedClock(s *Store, start time.Time) {
	next := start
	s.now = func() time.Time {
		now := next
		next = next.Add(time.Millisecond)
		return now
	}
}

func testRestaurant(id int64, name string) model.Restaurant {
	r := model.Restaurant{ID: id}
	if name != "" {
		r.Fields = map[string]json.RawMessage{"name": json.RawMessage(`"` + name + `"`)}
	}
	return r
}

func testReview(id, restaurantID int64, name string) model.Review {
	return model.Review{
		ID:           id,
		RestaurantID: restaurantID,
		Name:         name,
		Rating:       4,
		Comments:     "ok",
	}
}
