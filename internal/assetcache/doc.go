// Package assetcache implements the Resource Cache: named caches of static
// and image assets keyed by canonicalized URL.
//
// Size variants of one image ("/img/1-300px.jpg", "/img/1-800px.jpg")
// canonicalize to a single key, so the first variant fetched serves all
// of them. Entries live in a Backend; memory, SQLite and Redis backends
// are provided.
package assetcache
