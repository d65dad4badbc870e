// Package reconcile replays deferred writes against the remote API.
//
// A pass reads the deferred write queue, posts each review sequentially,
// swaps the local record for the server-confirmed one and publishes one
// add-record event per confirmed review. Queued favorite toggles are
// replayed the same way and announced as update-record events. A failed
// item stays queued for the next pass; it never aborts the others.
//
// Passes are serialized. Trigger coalesces requests that arrive while a
// pass is running into a single follow-up pass.
package reconcile
