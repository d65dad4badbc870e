package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

var validate = validator.New()

// Review is a sub-record attached to exactly one Restaurant.
//
// Members the proxy does not interpret are kept in Extra so that a record
// replaced by the server's response is stored exactly as the server sent it.
type Review struct {
	ID           int64                      `validate:"-"`
	RestaurantID int64                      `validate:"gt=0"`
	Name         string                     `validate:"required"`
	Rating       int64                      `validate:"min=1,max=5"`
	Comments     string                     `validate:"-"`
	IsDeferred   bool                       `validate:"-"`
	CreatedAt    int64                      `validate:"-"` // unix milliseconds, server assigned
	UpdatedAt    int64                      `validate:"-"`
	Extra        map[string]json.RawMessage `validate:"-"`
}

// IsLocal reports whether the review carries a local-only identifier.
func (r Review) IsLocal() bool {
	return r.ID < 0
}

// Validate checks the fields a deferred write needs to be replayable.
func (r Review) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid review: %w", err)
	}
	return nil
}

// Normalize returns r with its free-text fields in Unicode NFC form.
func (r Review) Normalize() Review {
	r.Name = norm.NFC.String(r.Name)
	r.Comments = norm.NFC.String(r.Comments)
	return r
}

// MarshalJSON writes the wire shape. id is omitted while zero (a new
// submission); is_deferred is always present.
func (r Review) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.members())
}

func (r Review) members() map[string]json.RawMessage {
	obj := make(map[string]json.RawMessage, len(r.Extra)+8)
	for k, v := range r.Extra {
		obj[k] = v
	}
	if r.ID != 0 {
		obj["id"] = rawValue(r.ID)
	}
	obj["restaurant_id"] = rawValue(r.RestaurantID)
	obj["name"] = rawValue(r.Name)
	obj["rating"] = rawValue(r.Rating)
	obj["comments"] = rawValue(r.Comments)
	obj["is_deferred"] = rawValue(r.IsDeferred)
	if r.CreatedAt != 0 {
		obj["createdAt"] = rawValue(r.CreatedAt)
	}
	if r.UpdatedAt != 0 {
		obj["updatedAt"] = rawValue(r.UpdatedAt)
	}
	return obj
}

// UnmarshalJSON reads the wire shape leniently.
func (r *Review) UnmarshalJSON(data []byte) error {
	obj, err := splitObject(data)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	var out Review
	if out.ID, _, err = takeInt(obj, "id"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.RestaurantID, _, err = takeInt(obj, "restaurant_id"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.Rating, _, err = takeInt(obj, "rating"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.CreatedAt, _, err = takeInt(obj, "createdAt"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.UpdatedAt, _, err = takeInt(obj, "updatedAt"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.Name, err = takeString(obj, "name"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.Comments, err = takeString(obj, "comments"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if out.IsDeferred, err = takeFlag(obj, "is_deferred"); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if len(obj) > 0 {
		out.Extra = obj
	}
	*r = out
	return nil
}

// Payload returns the body used to replay r against the server: the
// deferred flag is stripped, and so is a local identifier.
func (r Review) Payload() ([]byte, error) {
	obj := r.members()
	delete(obj, "is_deferred")
	if r.IsLocal() {
		delete(obj, "id")
	}
	return json.Marshal(obj)
}

// Clone returns a deep copy of r.
func (r Review) Clone() Review {
	r.Extra = copyRaw(r.Extra)
	return r
}
