// Package store provides SQLite-backed durable storage for the offline proxy.
//
// The store owns three collections:
//   - restaurants: parent entities, upserted wholesale from network listings
//   - reviews: sub-records, with secondary indexes on restaurant_id and
//     is_deferred
//   - deferred_favorites: favorite toggles accepted while offline
//
// The deferred write queue is not a separate structure. It is the live query
// "reviews where is_deferred = 1", served by idx_reviews_is_deferred.
//
// # Identifiers
//
// Server identifiers are positive. Reviews captured offline receive
// negative local identifiers (-1, -2, ...) allocated inside the insert
// transaction. ReplaceReview swaps a local record for its confirmed
// counterpart in one transaction.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - a single connection, so every single-record read-modify-write is
//     serialized
package store
