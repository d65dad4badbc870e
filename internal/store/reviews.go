package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// PutReviews upserts reviews mirrored from the network.
// The deferred flag is forced false: network records are confirmed.
func (s *Store) PutReviews(ctx context.Context, reviews []model.Review) error {
	if len(reviews) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put reviews: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range reviews {
		r.IsDeferred = false
		if err := putReview(ctx, tx, r); err != nil {
			return fmt.Errorf("put reviews: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put reviews: commit: %w", err)
	}
	return nil
}

func putReview(ctx context.Context, tx *sql.Tx, r model.Review) error {
	if r.ID == 0 {
		return fmt.Errorf("review has no id")
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review %d: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reviews (id, restaurant_id, is_deferred, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			restaurant_id = excluded.restaurant_id,
			is_deferred = excluded.is_deferred,
			doc = excluded.doc
	`, r.ID, r.RestaurantID, boolToInt(r.IsDeferred), string(doc))
	if err != nil {
		return fmt.Errorf("upsert review %d: %w", r.ID, err)
	}
	return nil
}

// ReviewsByRestaurant returns the reviews of one restaurant via the
// restaurant_id index. Confirmed reviews come first (by id), then deferred
// reviews in the order they were captured.
func (s *Store) ReviewsByRestaurant(ctx context.Context, restaurantID int64) ([]model.Review, error) {
	return s.queryReviews(ctx, `
		SELECT doc FROM reviews
		WHERE restaurant_id = ?
		ORDER BY is_deferred ASC, CASE WHEN id < 0 THEN -id ELSE id END ASC
	`, restaurantID)
}

// AllReviews returns every stored review, grouped by restaurant in the
// same order as ReviewsByRestaurant.
func (s *Store) AllReviews(ctx context.Context) ([]model.Review, error) {
	return s.queryReviews(ctx, `
		SELECT doc FROM reviews
		ORDER BY restaurant_id ASC, is_deferred ASC, CASE WHEN id < 0 THEN -id ELSE id END ASC
	`)
}

// DeferredReviews returns every review awaiting server confirmation via the
// is_deferred index, in capture order. This is the read side of the
// deferred write queue.
func (s *Store) DeferredReviews(ctx context.Context) ([]model.Review, error) {
	return s.queryReviews(ctx, `
		SELECT doc FROM reviews
		WHERE is_deferred = 1
		ORDER BY id DESC
	`)
}

func (s *Store) queryReviews(ctx context.Context, query string, args ...any) ([]model.Review, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	reviews := []model.Review{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		var r model.Review
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode review: %w", err)
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// AddDeferredReview stores a review that could not reach the server.
// A review without a local identifier receives the next negative id; ids
// are never reused, even after the local record has been replaced.
// Text fields are stored in NFC form; the stored record is returned.
func (s *Store) AddDeferredReview(ctx context.Context, r model.Review) (model.Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Review{}, fmt.Errorf("add deferred review: begin tx: %w", err)
	}
	defer tx.Rollback()

	if !r.IsLocal() {
		id, err := nextLocalID(ctx, tx)
		if err != nil {
			return model.Review{}, fmt.Errorf("add deferred review: %w", err)
		}
		r.ID = id
	} else if err := recordLocalID(ctx, tx, r.ID); err != nil {
		return model.Review{}, fmt.Errorf("add deferred review: %w", err)
	}
	r = r.Normalize()
	r.IsDeferred = true

	if err := putReview(ctx, tx, r); err != nil {
		return model.Review{}, fmt.Errorf("add deferred review: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Review{}, fmt.Errorf("add deferred review: commit: %w", err)
	}
	return r, nil
}

// ReplaceReview atomically swaps the record stored under localID for the
// server-confirmed record. The confirmed record is stored wholesale with
// the deferred flag cleared.
//
// Safe to repeat: a missing local record is not an error, and the confirmed
// record is upserted.
func (s *Store) ReplaceReview(ctx context.Context, localID int64, confirmed model.Review) error {
	if confirmed.ID == 0 {
		return fmt.Errorf("replace review %d: confirmed record has no id", localID)
	}
	confirmed.IsDeferred = false

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace review %d: begin tx: %w", localID, err)
	}
	defer tx.Rollback()

	if localID != confirmed.ID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reviews WHERE id = ?`, localID); err != nil {
			return fmt.Errorf("replace review %d: delete local: %w", localID, err)
		}
	}
	if err := putReview(ctx, tx, confirmed); err != nil {
		return fmt.Errorf("replace review %d: %w", localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace review %d: commit: %w", localID, err)
	}
	return nil
}

const lastLocalIDKey = "last_local_id"

// nextLocalID allocates a negative review id below every id handed out
// before. Stores created before the counter existed fall back to the
// lowest stored id.
func nextLocalID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var lowest int64
	err := tx.QueryRowContext(ctx, `
		SELECT MIN(
			COALESCE((SELECT value FROM meta WHERE key = ?), 0),
			COALESCE((SELECT MIN(id) FROM reviews), 0),
			0
		)
	`, lastLocalIDKey).Scan(&lowest)
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	id := lowest - 1
	if err := recordLocalID(ctx, tx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// recordLocalID lowers the counter to id if id is below it.
func recordLocalID(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MIN(value, excluded.value)
	`, lastLocalIDKey, id)
	if err != nil {
		return fmt.Errorf("record local id %d: %w", id, err)
	}
	return nil
}
