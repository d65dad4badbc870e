package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// PutRestaurants upserts each restaurant by id in one transaction.
// A stored restaurant is overwritten field-for-field; nothing is merged.
func (s *Store) PutRestaurants(ctx context.Context, restaurants []model.Restaurant) error {
	if len(restaurants) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put restaurants: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, r := range restaurants {
		if err := putRestaurant(ctx, tx, r); err != nil {
			return fmt.Errorf("put restaurants: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put restaurants: commit: %w", err)
	}
	return nil
}

func putRestaurant(ctx context.Context, tx *sql.Tx, r model.Restaurant) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal restaurant %d: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO restaurants (id, is_favorite, doc)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_favorite = excluded.is_favorite,
			doc = excluded.doc
	`, r.ID, boolToInt(r.IsFavorite), string(doc))
	if err != nil {
		return fmt.Errorf("upsert restaurant %d: %w", r.ID, err)
	}
	return nil
}

// AllRestaurants returns every stored restaurant ordered by id.
// Returns an empty slice (not nil) when the collection is empty.
func (s *Store) AllRestaurants(ctx context.Context) ([]model.Restaurant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM restaurants ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query restaurants: %w", err)
	}
	defer rows.Close()

	restaurants := []model.Restaurant{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan restaurant: %w", err)
		}
		var r model.Restaurant
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode restaurant: %w", err)
		}
		restaurants = append(restaurants, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restaurants: %w", err)
	}
	return restaurants, nil
}

// Restaurant retrieves a single restaurant by id.
// Returns ErrNotFound if it is not stored.
func (s *Store) Restaurant(ctx context.Context, id int64) (model.Restaurant, error) {
	return readRestaurant(ctx, s.db.QueryRowContext(ctx, `SELECT doc FROM restaurants WHERE id = ?`, id), id)
}

func readRestaurant(ctx context.Context, row *sql.Row, id int64) (model.Restaurant, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Restaurant{}, fmt.Errorf("restaurant %d: %w", id, ErrNotFound)
		}
		return model.Restaurant{}, fmt.Errorf("read restaurant %d: %w", id, err)
	}
	var r model.Restaurant
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return model.Restaurant{}, fmt.Errorf("decode restaurant %d: %w", id, err)
	}
	return r, nil
}

// SetFavorite updates the favorite flag of a stored restaurant and returns
// the updated record. Returns ErrNotFound if the restaurant is not stored.
func (s *Store) SetFavorite(ctx context.Context, id int64, favorite bool) (model.Restaurant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Restaurant{}, fmt.Errorf("set favorite: begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := setFavorite(ctx, tx, id, favorite)
	if err != nil {
		return model.Restaurant{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Restaurant{}, fmt.Errorf("set favorite: commit: %w", err)
	}
	return r, nil
}

func setFavorite(ctx context.Context, tx *sql.Tx, id int64, favorite bool) (model.Restaurant, error) {
	r, err := readRestaurant(ctx, tx.QueryRowContext(ctx, `SELECT doc FROM restaurants WHERE id = ?`, id), id)
	if err != nil {
		return model.Restaurant{}, err
	}
	r.IsFavorite = favorite
	if err := putRestaurant(ctx, tx, r); err != nil {
		return model.Restaurant{}, fmt.Errorf("set favorite: %w", err)
	}
	return r, nil
}
