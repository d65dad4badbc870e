package assetcache

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFactories returns every backend available in this environment.
// Redis runs only when OFFSYNC_TEST_REDIS_ADDR is set.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	factories := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "assets.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
	if addr := os.Getenv("OFFSYNC_TEST_REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T) Backend {
			b, err := DialRedisBackend(context.Background(), addr)
			require.NoError(t, err)
			require.NoError(t, b.client.FlushDB(context.Background()).Err())
			t.Cleanup(func() { b.Close() })
			return b
		}
	}
	return factories
}

func okEntry(body string) Entry {
	return Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/jpeg"}},
		Body:   []byte(body),
	}
}

func TestCache_SizeVariantsShareEntry(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(factory(t), nil)

			require.NoError(t, c.Put(ctx, ImageCache, "/img/1-300px.jpg", okEntry("jpeg-bytes")))

			got, found, err := c.Get(ctx, ImageCache, "/img/1-800px.jpg")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "jpeg-bytes", string(got.Body))
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, "image/jpeg", got.Header.Get("Content-Type"))
			assert.False(t, got.StoredAt.IsZero())
		})
	}
}

func TestCache_Miss(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			c := New(factory(t), nil)

			_, found, err := c.Get(context.Background(), StaticCache, "/index.html")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCache_OnlyOKIsStored(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(factory(t), nil)

			err := c.Put(ctx, StaticCache, "/missing.css", Entry{Status: http.StatusNotFound})
			require.ErrorIs(t, err, ErrUncacheable)

			_, found, err := c.Get(ctx, StaticCache, "/missing.css")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCache_DropsHopHeaders(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), nil)

	e := okEntry("x")
	e.Header.Set("Set-Cookie", "session=1")
	e.Header.Set("Connection", "keep-alive")
	require.NoError(t, c.Put(ctx, StaticCache, "/a.css", e))

	got, _, err := c.Get(ctx, StaticCache, "/a.css")
	require.NoError(t, err)
	assert.Empty(t, got.Header.Get("Set-Cookie"))
	assert.Empty(t, got.Header.Get("Connection"))
	assert.Equal(t, "image/jpeg", got.Header.Get("Content-Type"))
}

func TestCache_Delete(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(factory(t), nil)

			require.NoError(t, c.Put(ctx, StaticCache, "/a.css", okEntry("a")))
			require.NoError(t, c.Delete(ctx, StaticCache, "/a.css"))
			require.NoError(t, c.Delete(ctx, StaticCache, "/never.css"))

			_, found, err := c.Get(ctx, StaticCache, "/a.css")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCache_PurgeUnknown(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(factory(t), nil)

			require.NoError(t, c.Put(ctx, StaticCache, "/index.html", okEntry("new")))
			require.NoError(t, c.Put(ctx, ImageCache, "/img/1.jpg", okEntry("img")))
			require.NoError(t, c.Put(ctx, "static-v0", "/index.html", okEntry("old")))

			purged, err := c.PurgeUnknown(ctx, KnownCaches)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v0"}, purged)

			names, err := c.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{ImageCache, StaticCache}, names)

			_, found, err := c.Get(ctx, "static-v0", "/index.html")
			require.NoError(t, err)
			assert.False(t, found)

			// Second run has nothing left to purge.
			purged, err = c.PurgeUnknown(ctx, KnownCaches)
			require.NoError(t, err)
			assert.Empty(t, purged)
		})
	}
}

func TestSQLiteBackend_SharedDB(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := NewSQLiteBackend(db)
	require.NoError(t, err)

	stored := time.UnixMilli(1700000000000).UTC()
	e := okEntry("body")
	e.StoredAt = stored
	require.NoError(t, b.Put(context.Background(), StaticCache, "/a", e))

	// Close leaves a shared database open.
	require.NoError(t, b.Close())
	require.NoError(t, db.Ping())

	got, found, err := b.Get(context.Background(), StaticCache, "/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored, got.StoredAt)
}
