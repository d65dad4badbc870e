package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Known cache names.
const (
	StaticCache = "static-v1"
	ImageCache  = "images-cache"
)

// KnownCaches is the set of caches the current version uses.
// Activate purges every other cache.
var KnownCaches = []string{StaticCache, ImageCache}

// ErrUncacheable is returned by Put for responses other than 200 OK.
var ErrUncacheable = errors.New("response is not cacheable")

// Entry is a cached asset: the payload plus the response metadata needed
// to replay it.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Backend stores entries grouped by cache name.
type Backend interface {
	// Get returns the entry for key; found is false on a miss.
	Get(ctx context.Context, cache, key string) (entry Entry, found bool, err error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, cache, key string, entry Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, cache, key string) error

	// Caches lists the names of caches holding at least one entry or
	// created by a Put.
	Caches(ctx context.Context) ([]string, error)

	// Drop removes a cache and all of its entries.
	Drop(ctx context.Context, cache string) error

	// Close releases backend resources.
	Close() error
}

// Cache canonicalizes keys over a Backend.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Cache over backend. A nil logger discards output.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{backend: backend, logger: logger, now: time.Now}
}

// Get looks up the canonical form of rawURL in the named cache.
func (c *Cache) Get(ctx context.Context, cache, rawURL string) (Entry, bool, error) {
	key, err := Canonicalize(rawURL)
	if err != nil {
		return Entry{}, false, err
	}
	entry, found, err := c.backend.Get(ctx, cache, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache %s get %s: %w", cache, key, err)
	}
	return entry, found, nil
}

// Put stores a response under the canonical form of rawURL.
// Only 200 OK responses are stored; anything else returns ErrUncacheable.
func (c *Cache) Put(ctx context.Context, cache, rawURL string, entry Entry) error {
	if entry.Status != http.StatusOK {
		return fmt.Errorf("cache %s put %s: status %d: %w", cache, rawURL, entry.Status, ErrUncacheable)
	}
	key, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now().UTC()
	}
	entry.Header = cacheableHeader(entry.Header)
	if err := c.backend.Put(ctx, cache, key, entry); err != nil {
		return fmt.Errorf("cache %s put %s: %w", cache, key, err)
	}
	c.logger.Debug("cached asset", "cache", cache, "key", key, "bytes", len(entry.Body))
	return nil
}

// Delete removes the canonical form of rawURL from the named cache.
func (c *Cache) Delete(ctx context.Context, cache, rawURL string) error {
	key, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}
	if err := c.backend.Delete(ctx, cache, key); err != nil {
		return fmt.Errorf("cache %s delete %s: %w", cache, key, err)
	}
	return nil
}

// Names lists existing caches, sorted.
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	names, err := c.backend.Caches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Purge drops one cache.
func (c *Cache) Purge(ctx context.Context, cache string) error {
	if err := c.backend.Drop(ctx, cache); err != nil {
		return fmt.Errorf("purge cache %s: %w", cache, err)
	}
	return nil
}

// PurgeUnknown drops every cache not in known and returns the names it
// dropped, sorted.
func (c *Cache) PurgeUnknown(ctx context.Context, known []string) ([]string, error) {
	names, err := c.Names(ctx)
	if err != nil {
		return nil, err
	}
	purged := []string{}
	for _, name := range names {
		if slices.Contains(known, name) {
			continue
		}
		if err := c.Purge(ctx, name); err != nil {
			return purged, err
		}
		c.logger.Info("purged cache", "cache", name)
		purged = append(purged, name)
	}
	return purged, nil
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// hopHeaders are dropped before storing; they describe the original
// connection, not the asset.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Set-Cookie",
	"Date",
}

func cacheableHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}
