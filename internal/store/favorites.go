package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// QueueFavorite records a favorite toggle made while offline.
// Only the latest toggle per restaurant is kept.
func (s *Store) QueueFavorite(ctx context.Context, restaurantID int64, favorite bool) (model.FavoriteIntent, error) {
	intent := s.newIntent(restaurantID, favorite)
	if err := upsertIntent(ctx, s.db, intent); err != nil {
		return model.FavoriteIntent{}, err
	}
	return intent, nil
}

// DeferFavorite applies a toggle to the local restaurant and queues it in
// one transaction: either both happen or neither does.
// Returns ErrNotFound if the restaurant is not stored.
func (s *Store) DeferFavorite(ctx context.Context, restaurantID int64, favorite bool) (model.Restaurant, model.FavoriteIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Restaurant{}, model.FavoriteIntent{}, fmt.Errorf("defer favorite: begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := setFavorite(ctx, tx, restaurantID, favorite)
	if err != nil {
		return model.Restaurant{}, model.FavoriteIntent{}, err
	}
	intent := s.newIntent(restaurantID, favorite)
	if err := upsertIntent(ctx, tx, intent); err != nil {
		return model.Restaurant{}, model.FavoriteIntent{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Restaurant{}, model.FavoriteIntent{}, fmt.Errorf("defer favorite: commit: %w", err)
	}
	return r, intent, nil
}

func (s *Store) newIntent(restaurantID int64, favorite bool) model.FavoriteIntent {
	return model.FavoriteIntent{
		RestaurantID: restaurantID,
		IsFavorite:   favorite,
		QueuedAt:     s.now().UnixMilli(),
	}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertIntent(ctx context.Context, ex execer, intent model.FavoriteIntent) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO deferred_favorites (restaurant_id, is_favorite, queued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(restaurant_id) DO UPDATE SET
			is_favorite = excluded.is_favorite,
			queued_at = excluded.queued_at
	`, intent.RestaurantID, boolToInt(intent.IsFavorite), intent.QueuedAt)
	if err != nil {
		return fmt.Errorf("queue favorite %d: %w", intent.RestaurantID, err)
	}
	return nil
}

// DeferredFavorites returns queued favorite toggles, oldest first.
func (s *Store) DeferredFavorites(ctx context.Context) ([]model.FavoriteIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT restaurant_id, is_favorite, queued_at
		FROM deferred_favorites
		ORDER BY queued_at ASC, restaurant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query deferred favorites: %w", err)
	}
	defer rows.Close()

	intents := []model.FavoriteIntent{}
	for rows.Next() {
		var it model.FavoriteIntent
		var fav int
		if err := rows.Scan(&it.RestaurantID, &fav, &it.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan deferred favorite: %w", err)
		}
		it.IsFavorite = fav != 0
		intents = append(intents, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deferred favorites: %w", err)
	}
	return intents, nil
}

// ClearFavorite removes a queued toggle once the server confirmed it.
// The row is kept if it was re-toggled to a different value meanwhile.
func (s *Store) ClearFavorite(ctx context.Context, restaurantID int64, favorite bool) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM deferred_favorites
		WHERE restaurant_id = ? AND is_favorite = ?
	`, restaurantID, boolToInt(favorite))
	if err != nil {
		return fmt.Errorf("clear favorite %d: %w", restaurantID, err)
	}
	return nil
}

// DropFavorite removes any queued toggle for a restaurant. Used after an
// online toggle succeeded, so an older offline value is never replayed
// over it.
func (s *Store) DropFavorite(ctx context.Context, restaurantID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_favorites WHERE restaurant_id = ?`, restaurantID)
	if err != nil {
		return fmt.Errorf("drop favorite %d: %w", restaurantID, err)
	}
	return nil
}
