package dispatch

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/assetcache"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
	"github.com/roach88/offsync/internal/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store    *store.Store
	cache    *assetcache.Cache
	api      *testutil.FakeAPI
	router   *gin.Engine
	mu       sync.Mutex
	deferred []Route
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	api := testutil.NewFakeAPI(t)
	client, err := upstream.New(api.URL, api.URL)
	require.NoError(t, err)

	f := &fixture{store: st, cache: assetcache.New(assetcache.NewMemoryBackend(), nil), api: api}
	d := New(st, f.cache, client, OnDeferred(func(r Route) {
		f.mu.Lock()
		f.deferred = append(f.deferred, r)
		f.mu.Unlock()
	}))
	f.router = NewRouter(d, RouterConfig{})
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func seedRestaurant(id int64, name string) model.Restaurant {
	return model.Restaurant{ID: id, Fields: map[string]json.RawMessage{"name": json.RawMessage(`"` + name + `"`)}}
}

func TestRestaurants_OnlineMirrorsIntoStore(t *testing.T) {
	f := newFixture(t)
	f.api.AddRestaurants(seedRestaurant(1, "Mission Chinese"), seedRestaurant(2, "Emily"))

	w := f.do(t, http.MethodGet, "/restaurants", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))

	all, err := f.store.AllRestaurants(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Emily", all[1].Name())
}

func TestRestaurants_MirrorsCompressedResponse(t *testing.T) {
	gz := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `[{"id":1,"name":"Mission Chinese"},{"id":2,"name":"Emily"}]`
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte(body))
		zw.Close()
	}))
	t.Cleanup(gz.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	client, err := upstream.New(gz.URL, gz.URL)
	require.NoError(t, err)
	router := NewRouter(New(st, assetcache.New(assetcache.NewMemoryBackend(), nil), client), RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/restaurants", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"), "body is returned decoded")
	assert.Contains(t, w.Body.String(), "Emily")

	all, err := st.AllRestaurants(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2, "a browser client's Accept-Encoding must not defeat mirroring")
}

func TestRestaurants_OfflineServesStore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutRestaurants(context.Background(), []model.Restaurant{seedRestaurant(1, "Katz's")}))
	f.api.SetOffline(true)

	w := f.do(t, http.MethodGet, "/restaurants", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceStore, w.Header().Get(SourceHeader))

	var got []model.Restaurant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Katz's", got[0].Name())
}

func TestRestaurants_ServerErrorPassesThrough(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutRestaurants(context.Background(), []model.Restaurant{seedRestaurant(1, "cached")}))
	f.api.FailWith(http.StatusInternalServerError)

	w := f.do(t, http.MethodGet, "/restaurants", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code, "a real server error is never masked")
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))
	assert.NotContains(t, w.Body.String(), "cached")
}

func TestReviews_OfflineByRestaurant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutReviews(ctx, []model.Review{
		{ID: 1, RestaurantID: 1, Name: "a", Rating: 4},
		{ID: 2, RestaurantID: 2, Name: "b", Rating: 5},
	}))
	f.api.SetOffline(true)

	w := f.do(t, http.MethodGet, "/reviews/?restaurant_id=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceStore, w.Header().Get(SourceHeader))

	var got []model.Review
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestReviews_OfflineWithoutRestaurantID(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodGet, "/reviews/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/reviews/?restaurant_id=abc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviews_OnlineMirrorsConfirmed(t *testing.T) {
	f := newFixture(t)
	f.api.AddReviews(model.Review{ID: 9, RestaurantID: 1, Name: "a", Rating: 3})

	w := f.do(t, http.MethodGet, "/reviews/?restaurant_id=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.store.ReviewsByRestaurant(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsDeferred)
}

func TestSubmitReview_OfflineIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodPost, "/reviews/", `{"restaurant_id":"5","name":"A","rating":"4","comments":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code, "synthesized success")
	assert.Equal(t, SourceDeferred, w.Header().Get(SourceHeader))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, true, got["is_deferred"])
	assert.Equal(t, float64(-1), got["id"])
	assert.Equal(t, float64(5), got["restaurant_id"])
	assert.Equal(t, "ok", got["comments"])

	deferred, err := f.store.DeferredReviews(context.Background())
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, []Route{RouteReviewsWrite}, f.deferred)
}

func TestSubmitReview_OfflineRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodPost, "/reviews/", `{"restaurant_id":5,"name":"","rating":9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/reviews/", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.DeferredReviews)
}

func TestSubmitReview_OnlinePassesThrough(t *testing.T) {
	f := newFixture(t)
	f.api.SetNextID(42)

	w := f.do(t, http.MethodPost, "/reviews/", `{"restaurant_id":5,"name":"A","rating":4,"comments":"ok"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))

	got, err := f.store.ReviewsByRestaurant(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].ID)
	assert.Empty(t, f.deferred)
}

func TestSubmitReview_ServerErrorIsNotDeferred(t *testing.T) {
	f := newFixture(t)
	f.api.FailWith(http.StatusInternalServerError)

	w := f.do(t, http.MethodPost, "/reviews/", `{"restaurant_id":5,"name":"A","rating":4}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.DeferredReviews)
}

func TestStorageFailure_Returns503(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)
	require.NoError(t, f.store.Close())

	w := f.do(t, http.MethodGet, "/restaurants", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodPost, "/reviews/", `{"restaurant_id":5,"name":"A","rating":4}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRestaurant_Offline(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutRestaurants(context.Background(), []model.Restaurant{seedRestaurant(3, "Roberta's")}))
	f.api.SetOffline(true)

	w := f.do(t, http.MethodGet, "/restaurants/3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Roberta's")

	w = f.do(t, http.MethodGet, "/restaurants/4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFavorite_OfflineIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutRestaurants(ctx, []model.Restaurant{seedRestaurant(3, "a")}))
	f.api.SetOffline(true)

	w := f.do(t, http.MethodPut, "/restaurants/3/?is_favorite=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceDeferred, w.Header().Get(SourceHeader))
	assert.Contains(t, w.Body.String(), `"is_favorite":true`)

	local, err := f.store.Restaurant(ctx, 3)
	require.NoError(t, err)
	assert.True(t, local.IsFavorite)

	intents, err := f.store.DeferredFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].IsFavorite)

	w = f.do(t, http.MethodPut, "/restaurants/99/?is_favorite=true", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/restaurants/3/", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFavorite_OfflineQueueFailureLeavesFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutRestaurants(ctx, []model.Restaurant{seedRestaurant(3, "a")}))
	_, err := f.store.DB().ExecContext(ctx, `DROP TABLE deferred_favorites`)
	require.NoError(t, err)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodPut, "/restaurants/3/?is_favorite=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	local, err := f.store.Restaurant(ctx, 3)
	require.NoError(t, err)
	assert.False(t, local.IsFavorite, "flag must not change when the toggle cannot be queued")
}

func TestFavorite_OnlineDropsQueuedToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddRestaurants(seedRestaurant(3, "a"))
	_, err := f.store.QueueFavorite(ctx, 3, true)
	require.NoError(t, err)

	w := f.do(t, http.MethodPut, "/restaurants/3/?is_favorite=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))

	intents, err := f.store.DeferredFavorites(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestImage_SizeVariantsServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.api.AddAsset("/img/1-300px.jpg", []byte("small"))

	w := f.do(t, http.MethodGet, "/img/1-300px.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))

	f.api.SetOffline(true)
	w = f.do(t, http.MethodGet, "/img/1-800px.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceCache, w.Header().Get(SourceHeader))
	assert.Equal(t, "small", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
}

func TestImage_OfflineMiss(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodGet, "/img/2-300px.jpg", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestImage_NotFoundIsNotCached(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/img/404.jpg", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, found, err := f.cache.Get(context.Background(), assetcache.ImageCache, "/img/404.jpg")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAppShell_CacheFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddAsset("/index.html", []byte("from network"))
	require.NoError(t, f.cache.Put(ctx, assetcache.StaticCache, "/", assetcache.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>shell</html>"),
	}))

	w := f.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceCache, w.Header().Get(SourceHeader))
	assert.Equal(t, "<html>shell</html>", w.Body.String())

	// Miss goes to the network and is not stored.
	w = f.do(t, http.MethodGet, "/index.html", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(SourceHeader))
	_, found, err := f.cache.Get(ctx, assetcache.StaticCache, "/index.html")
	require.NoError(t, err)
	assert.False(t, found)

	f.api.SetOffline(true)
	w = f.do(t, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestPassthrough_Offline(t *testing.T) {
	f := newFixture(t)
	f.api.SetOffline(true)

	w := f.do(t, http.MethodDelete, "/reviews/1", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRouter_CORS(t *testing.T) {
	f := newFixture(t)
	f.api.AddRestaurants(seedRestaurant(1, "a"))

	req := httptest.NewRequest(http.MethodGet, "/restaurants", nil)
	req.Header.Set("Origin", "http://localhost:8000")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), SourceHeader)
}
