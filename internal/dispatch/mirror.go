package dispatch

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/roach88/offsync/internal/model"
)

// mirrorRestaurants stores a successful restaurant response, either a
// list or a single object. Decode and storage failures are logged; the
// response is still passed through.
func (d *Dispatcher) mirrorRestaurants(ctx context.Context, body []byte) {
	var restaurants []model.Restaurant
	if err := decodeOneOrMany(body, &restaurants); err != nil {
		d.logger.Warn("skip mirroring restaurants", "error", err)
		return
	}
	if err := d.store.PutRestaurants(ctx, restaurants); err != nil {
		d.logger.Warn("storage failure", "op", "put restaurants", "error", err)
	}
}

// mirrorReviews stores a successful review response as confirmed records.
func (d *Dispatcher) mirrorReviews(ctx context.Context, body []byte) {
	var reviews []model.Review
	if err := decodeOneOrMany(body, &reviews); err != nil {
		d.logger.Warn("skip mirroring reviews", "error", err)
		return
	}
	// Records without a server id cannot be keyed.
	kept := reviews[:0]
	for _, r := range reviews {
		if r.ID > 0 {
			kept = append(kept, r)
		}
	}
	if err := d.store.PutReviews(ctx, kept); err != nil {
		d.logger.Warn("storage failure", "op", "put reviews", "error", err)
	}
}

// decodeOneOrMany decodes a JSON array, or a single object as a
// one-element slice.
func decodeOneOrMany[T any](body []byte, out *[]T) error {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var one T
		if err := json.Unmarshal(body, &one); err != nil {
			return err
		}
		*out = []T{one}
		return nil
	}
	return json.Unmarshal(body, out)
}
