package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/offsync/internal/model"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if err := s1.PutRestaurants(ctx, []model.Restaurant{testRestaurant(1, "Mission Chinese")}); err != nil {
		t.Fatalf("PutRestaurants() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	all, err := s2.AllRestaurants(ctx)
	if err != nil {
		t.Fatalf("AllRestaurants() failed: %v", err)
	}
	if len(all) != 1 || all[0].Name() != "Mission Chinese" {
		t.Errorf("restaurants did not survive reopen: %+v", all)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	s := createTestStore(t)

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("Open() should reject a schema newer than supported")
	}
}

func TestOpen_MigratesTextDeferredFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reviews (id, restaurant_id, is_deferred, doc) VALUES
			(-1, 1, 'true',  '{"id":-1,"restaurant_id":1,"name":"a","rating":3,"comments":"","is_deferred":true}'),
			(7,  1, 'false', '{"id":7,"restaurant_id":1,"name":"b","rating":3,"comments":"","is_deferred":false}');
		PRAGMA user_version = 1;
	`)
	if err != nil {
		t.Fatalf("seed v1 rows: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	deferred, err := s.DeferredReviews(context.Background())
	if err != nil {
		t.Fatalf("DeferredReviews() failed: %v", err)
	}
	if len(deferred) != 1 || deferred[0].ID != -1 {
		t.Errorf("deferred after migration = %+v, want only review -1", deferred)
	}
}

func TestOpen_WALMode(t *testing.T) {
	s := createTestStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
}

func TestStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.PutRestaurants(ctx, []model.Restaurant{testRestaurant(1, ""), testRestaurant(2, "")}); err != nil {
		t.Fatalf("PutRestaurants() failed: %v", err)
	}
	if err := s.PutReviews(ctx, []model.Review{testReview(10, 1, "a")}); err != nil {
		t.Fatalf("PutReviews() failed: %v", err)
	}
	if _, err := s.AddDeferredReview(ctx, testReview(0, 1, "b")); err != nil {
		t.Fatalf("AddDeferredReview() failed: %v", err)
	}
	if _, err := s.QueueFavorite(ctx, 2, true); err != nil {
		t.Fatalf("QueueFavorite() failed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := Stats{Restaurants: 2, Reviews: 2, DeferredReviews: 1, DeferredFavorites: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on empty store = %v, want nil", err)
	}
}
