// Package model defines the records the offline proxy moves between the
// remote API, the persistent store and live UI contexts.
//
// Two record kinds exist:
//   - Restaurant: the parent entity, overwritten wholesale whenever a
//     network listing is observed
//   - Review: a dependent sub-record tied to one restaurant by RestaurantID
//
// A Review with IsDeferred set was accepted locally but not yet confirmed by
// the server. Deferred reviews carry negative local identifiers; server
// identifiers are always positive, so the two spaces never collide.
//
// The remote API is loose about types (booleans arrive as "true", ratings as
// "4"), so decoding is lenient and encoding is strict: flags are always
// written back as JSON booleans and numbers as JSON numbers.
//
// model imports nothing internal.
package model
