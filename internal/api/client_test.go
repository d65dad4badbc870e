package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/dispatch"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/proxy"
	"github.com/roach88/offsync/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	api     *testutil.FakeAPI
	service *proxy.Service
	client  *Client

	mu      sync.Mutex
	sources []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := testutil.NewFakeAPI(t)

	cfg := config.DefaultConfig()
	cfg.Upstream.API = api.URL
	cfg.Upstream.Site = api.URL
	cfg.Store.Path = filepath.Join(t.TempDir(), "offsync.db")
	cfg.Cache.Backend = config.BackendMemory
	cfg.Cache.Manifest = nil

	s, err := proxy.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Reconciler().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	h := &harness{api: api, service: s, client: New(srv.URL + "/")}
	h.client.OnResponse = func(_ int, source string) {
		h.mu.Lock()
		h.sources = append(h.sources, source)
		h.mu.Unlock()
	}
	return h
}

func (h *harness) lastSource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sources) == 0 {
		return ""
	}
	return h.sources[len(h.sources)-1]
}

func restaurant(id int64, name string) model.Restaurant {
	raw, _ := json.Marshal(name)
	return model.Restaurant{ID: id, Fields: map[string]json.RawMessage{"name": raw}}
}

func TestListAndGetRestaurant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.api.AddRestaurants(restaurant(1, "Mission Chinese"), restaurant(2, "Emily"))

	all, err := h.client.ListRestaurants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, dispatch.SourceNetwork, h.lastSource())

	r, err := h.client.GetRestaurant(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Emily", r.Name())

	_, err = h.client.GetRestaurant(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRestaurant_OfflineFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.api.AddRestaurants(restaurant(1, "Mission Chinese"))
	_, err := h.client.ListRestaurants(ctx)
	require.NoError(t, err)

	h.api.SetOffline(true)
	r, err := h.client.GetRestaurant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Mission Chinese", r.Name())
	assert.Equal(t, dispatch.SourceStore, h.lastSource())
}

func TestSubmitReview_OfflineThenSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.api.SetNextID(42)

	h.api.SetOffline(true)
	local, err := h.client.SubmitReview(ctx, model.Review{RestaurantID: 3, Name: "Ana", Rating: 4, Comments: "Good"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), local.ID)
	assert.True(t, local.IsDeferred)
	assert.Equal(t, dispatch.SourceDeferred, h.lastSource())

	reviews, err := h.client.ListReviews(ctx, 3)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.True(t, reviews[0].IsDeferred)

	h.api.SetOffline(false)
	report, err := h.client.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)

	reviews, err = h.client.ListReviews(ctx, 3)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, int64(42), reviews[0].ID)
	assert.False(t, reviews[0].IsDeferred)
}

func TestSubmitReview_InvalidOffline(t *testing.T) {
	h := newHarness(t)
	h.api.SetOffline(true)

	_, err := h.client.SubmitReview(context.Background(), model.Review{RestaurantID: 3, Name: "", Rating: 9})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestSetFavorite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.api.AddRestaurants(restaurant(1, "Mission Chinese"))

	r, err := h.client.SetFavorite(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, r.IsFavorite)

	_, err = h.client.SetFavorite(ctx, 9, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	st, err := h.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.api.URL, st.API)
}

func TestSubscribe_ReceivesConfirmedReview(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.api.SetNextID(42)

	sub, err := h.client.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return h.service.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.api.SetOffline(true)
	_, err = h.client.SubmitReview(ctx, model.Review{RestaurantID: 3, Name: "Ana", Rating: 4})
	require.NoError(t, err)
	h.api.SetOffline(false)

	require.NoError(t, sub.RequestSync())

	select {
	case ev := <-sub.Events:
		assert.Equal(t, notify.ActionAddRecord, ev.Action)
		assert.Equal(t, int64(42), ev.RecordID())
		assert.Equal(t, int64(-1), ev.Replaces)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribe_DropsDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	sub, err := h.client.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return h.service.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	first, err := notify.NewEvent(notify.ActionAddRecord, model.Review{ID: 7, RestaurantID: 1, Name: "A", Rating: 3}, -1)
	require.NoError(t, err)
	again, err := notify.NewEvent(notify.ActionAddRecord, model.Review{ID: 7, RestaurantID: 1, Name: "A", Rating: 3}, -1)
	require.NoError(t, err)
	other, err := notify.NewEvent(notify.ActionAddRecord, model.Review{ID: 8, RestaurantID: 1, Name: "B", Rating: 3}, -2)
	require.NoError(t, err)

	h.service.Hub().Publish(first)
	h.service.Hub().Publish(first)
	h.service.Hub().Publish(again)
	h.service.Hub().Publish(other)

	var got []int64
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events:
			got = append(got, ev.RecordID())
		case <-timeout:
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []int64{7, 8}, got)
}

func TestSubscribe_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t)

	sub, err := h.client.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscribe_CloseStopsWatcher(t *testing.T) {
	h := newHarness(t)

	// The context outlives the subscription, so only Close can end it.
	sub, err := h.client.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close(), "second Close must be a no-op")

	select {
	case <-sub.stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("cancellation watcher still running after Close")
	}
	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
	require.Eventually(t, func() bool { return h.service.Hub().Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
