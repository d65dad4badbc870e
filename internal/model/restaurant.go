package model

import (
	"encoding/json"
	"fmt"
)

// Restaurant is a parent entity as served by the remote API.
// Only ID and IsFavorite are interpreted; every other member is
// preserved verbatim in Fields and written back unchanged.
type Restaurant struct {
	ID         int64
	IsFavorite bool
	Fields     map[string]json.RawMessage
}

// MarshalJSON writes a flat object with the interpreted members merged
// over Fields. Keys are sorted, so output is deterministic.
func (r Restaurant) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(r.Fields)+2)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj["id"] = rawValue(r.ID)
	obj["is_favorite"] = rawValue(r.IsFavorite)
	return json.Marshal(obj)
}

// UnmarshalJSON reads a flat object. The id member is required.
func (r *Restaurant) UnmarshalJSON(data []byte) error {
	obj, err := splitObject(data)
	if err != nil {
		return fmt.Errorf("restaurant: %w", err)
	}
	id, found, err := takeInt(obj, "id")
	if err != nil {
		return fmt.Errorf("restaurant: %w", err)
	}
	if !found {
		return fmt.Errorf("restaurant: missing id")
	}
	fav, err := takeFlag(obj, "is_favorite")
	if err != nil {
		return fmt.Errorf("restaurant %d: %w", id, err)
	}
	if len(obj) == 0 {
		obj = nil
	}
	*r = Restaurant{ID: id, IsFavorite: fav, Fields: obj}
	return nil
}

// Name returns the decoded "name" member, or "" when absent.
func (r Restaurant) Name() string {
	var name string
	if raw, ok := r.Fields["name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	return name
}

// Clone returns a deep copy of r.
func (r Restaurant) Clone() Restaurant {
	return Restaurant{ID: r.ID, IsFavorite: r.IsFavorite, Fields: copyRaw(r.Fields)}
}

// FavoriteIntent is a favorite toggle accepted while offline.
// At most one intent exists per restaurant; the latest toggle wins.
type FavoriteIntent struct {
	RestaurantID int64 `json:"restaurant_id"`
	IsFavorite   bool  `json:"is_favorite"`
	QueuedAt     int64 `json:"queued_at"` // unix milliseconds
}
