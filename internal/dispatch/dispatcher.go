// Package dispatch is the Request Dispatcher. It classifies each
// intercepted request and serves it with one of three strategies:
// network-first with store fallback (reads), network-first with deferred
// fallback (writes), or cache-first (assets).
//
// Network-first means any response from upstream, whatever its status, is
// returned unmodified. Only a transport failure, where no response arrived
// at all, falls back to local state.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/offsync/internal/assetcache"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/upstream"
)

// SourceHeader tells the caller where a response came from.
const SourceHeader = "X-Offsync-Source"

// Response sources.
const (
	SourceNetwork  = "network"
	SourceStore    = "store"
	SourceDeferred = "deferred"
	SourceCache    = "cache"
)

// Store is the persistent state the dispatcher mirrors into and falls
// back to.
type Store interface {
	PutRestaurants(ctx context.Context, restaurants []model.Restaurant) error
	AllRestaurants(ctx context.Context) ([]model.Restaurant, error)
	Restaurant(ctx context.Context, id int64) (model.Restaurant, error)
	DeferFavorite(ctx context.Context, restaurantID int64, favorite bool) (model.Restaurant, model.FavoriteIntent, error)
	DropFavorite(ctx context.Context, restaurantID int64) error
	PutReviews(ctx context.Context, reviews []model.Review) error
	ReviewsByRestaurant(ctx context.Context, restaurantID int64) ([]model.Review, error)
	AddDeferredReview(ctx context.Context, r model.Review) (model.Review, error)
}

// Upstream forwards requests to the network.
type Upstream interface {
	Forward(ctx context.Context, origin upstream.Origin, req upstream.Request) (*http.Response, error)
}

// Dispatcher serves intercepted requests.
type Dispatcher struct {
	store    Store
	cache    *assetcache.Cache
	upstream Upstream
	logger   *slog.Logger
	tracer   trace.Tracer

	// onDeferred is called after a write was captured offline.
	onDeferred func(route Route)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// OnDeferred registers a callback for every captured offline write.
func OnDeferred(fn func(route Route)) Option {
	return func(d *Dispatcher) { d.onDeferred = fn }
}

// New creates a dispatcher.
func New(st Store, cache *assetcache.Cache, up Upstream, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		cache:    cache,
		upstream: up,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("github.com/roach88/offsync/internal/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle serves one request. It is installed as the gin NoRoute handler,
// so every path without an explicit route reaches it.
func (d *Dispatcher) Handle(c *gin.Context) {
	cl := Classify(c.Request.Method, c.Request.URL.Path)

	ctx, span := d.tracer.Start(c.Request.Context(), "dispatch "+cl.Route.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.RequestURI()),
			attribute.String("offsync.route", cl.Route.String()),
		),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	switch cl.Route {
	case RouteReviewsRead:
		d.serveReviews(c)
	case RouteReviewsWrite:
		d.submitReview(c)
	case RouteRestaurantsList:
		d.serveRestaurants(c)
	case RouteRestaurantRead:
		d.serveRestaurant(c, cl.RestaurantID)
	case RouteFavorite:
		d.setFavorite(c, cl.RestaurantID)
	case RouteImage:
		d.serveCached(c, assetcache.ImageCache, cl.Origin, true)
	case RouteAppShell:
		d.serveCached(c, assetcache.StaticCache, cl.Origin, false)
	default:
		d.passthrough(c, cl.Origin)
	}

	status := c.Writer.Status()
	source := c.Writer.Header().Get(SourceHeader)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("offsync.source", source),
	)
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	d.logger.Debug("dispatched",
		"method", c.Request.Method,
		"uri", c.Request.URL.RequestURI(),
		"route", cl.Route.String(),
		"source", source,
		"status", status,
	)
}

// fetched is a fully read upstream response.
type fetched struct {
	status int
	header http.Header
	body   []byte
}

func (f fetched) ok() bool {
	return f.status >= 200 && f.status <= 299
}

// forward replays the request upstream and reads the whole response.
// ok is false on transport failure, including a body cut off mid-read.
func (d *Dispatcher) forward(c *gin.Context, origin upstream.Origin, body []byte) (fetched, bool) {
	req := upstream.Request{
		Method:     c.Request.Method,
		RequestURI: c.Request.URL.RequestURI(),
		Header:     c.Request.Header,
		Body:       body,
	}
	resp, err := d.upstream.Forward(c.Request.Context(), origin, req)
	if err != nil {
		d.logger.Debug("network unavailable", "uri", req.RequestURI, "error", err)
		trace.SpanFromContext(c.Request.Context()).AddEvent("transport failure")
		return fetched{}, false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debug("response body cut off", "uri", req.RequestURI, "error", err)
		return fetched{}, false
	}
	return fetched{status: resp.StatusCode, header: resp.Header, body: data}, true
}

// hopHeaders are not copied to the client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Length",
	"Upgrade",
}

// writeUpstream passes an upstream response through unmodified.
func writeUpstream(c *gin.Context, f fetched, source string) {
	h := c.Writer.Header()
	for k, vs := range f.header {
		// CORS headers are the proxy's own.
		if strings.HasPrefix(k, "Access-Control-") {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	h.Set(SourceHeader, source)
	c.Status(f.status)
	c.Writer.Write(f.body)
}

func writeJSON(c *gin.Context, status int, source string, v any) {
	c.Header(SourceHeader, source)
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, source, msg string) {
	writeJSON(c, status, source, gin.H{"error": msg})
}

// storageFailure absorbs a store error during a fallback: it is logged
// and the request is answered as an offline cache miss.
func (d *Dispatcher) storageFailure(c *gin.Context, op string, err error) {
	d.logger.Warn("storage failure", "op", op, "error", err)
	span := trace.SpanFromContext(c.Request.Context())
	span.RecordError(err)
	writeError(c, http.StatusServiceUnavailable, SourceStore, "offline and local data unavailable")
}

func (d *Dispatcher) deferred(route Route) {
	if d.onDeferred != nil {
		d.onDeferred(route)
	}
}

func (d *Dispatcher) serveReviews(c *gin.Context) {
	if f, ok := d.forward(c, upstream.OriginAPI, nil); ok {
		if f.ok() {
			d.mirrorReviews(c.Request.Context(), f.body)
		}
		writeUpstream(c, f, SourceNetwork)
		return
	}

	id, err := strconv.ParseInt(c.Query("restaurant_id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusNotFound, SourceStore, "restaurant_id is required offline")
		return
	}
	reviews, err := d.store.ReviewsByRestaurant(c.Request.Context(), id)
	if err != nil {
		d.storageFailure(c, "reviews by restaurant", err)
		return
	}
	writeJSON(c, http.StatusOK, SourceStore, reviews)
}

func (d *Dispatcher) submitReview(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, SourceNetwork, "unreadable request body")
		return
	}

	if f, ok := d.forward(c, upstream.OriginAPI, body); ok {
		if f.ok() {
			d.mirrorReviews(c.Request.Context(), f.body)
		}
		writeUpstream(c, f, SourceNetwork)
		return
	}

	var r model.Review
	if err := r.UnmarshalJSON(body); err != nil {
		writeError(c, http.StatusBadRequest, SourceDeferred, err.Error())
		return
	}
	if err := r.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, SourceDeferred, err.Error())
		return
	}
	stored, err := d.store.AddDeferredReview(c.Request.Context(), r)
	if err != nil {
		d.storageFailure(c, "add deferred review", err)
		return
	}
	d.logger.Info("review deferred", "local_id", stored.ID, "restaurant_id", stored.RestaurantID)
	d.deferred(RouteReviewsWrite)
	writeJSON(c, http.StatusOK, SourceDeferred, stored)
}

func (d *Dispatcher) serveRestaurants(c *gin.Context) {
	if f, ok := d.forward(c, upstream.OriginAPI, nil); ok {
		if f.ok() {
			d.mirrorRestaurants(c.Request.Context(), f.body)
		}
		writeUpstream(c, f, SourceNetwork)
		return
	}

	restaurants, err := d.store.AllRestaurants(c.Request.Context())
	if err != nil {
		d.storageFailure(c, "all restaurants", err)
		return
	}
	writeJSON(c, http.StatusOK, SourceStore, restaurants)
}

func (d *Dispatcher) serveRestaurant(c *gin.Context, id int64) {
	if f, ok := d.forward(c, upstream.OriginAPI, nil); ok {
		if f.ok() {
			d.mirrorRestaurants(c.Request.Context(), f.body)
		}
		writeUpstream(c, f, SourceNetwork)
		return
	}

	r, err := d.store.Restaurant(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, SourceStore, "restaurant not found")
		return
	}
	if err != nil {
		d.storageFailure(c, "restaurant", err)
		return
	}
	writeJSON(c, http.StatusOK, SourceStore, r)
}

func (d *Dispatcher) setFavorite(c *gin.Context, id int64) {
	raw, present := c.GetQuery("is_favorite")
	var fav model.Flag
	if present {
		if err := fav.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
			present = false
		}
	}

	if f, ok := d.forward(c, upstream.OriginAPI, nil); ok {
		if f.ok() {
			d.mirrorRestaurants(c.Request.Context(), f.body)
			if err := d.store.DropFavorite(c.Request.Context(), id); err != nil {
				d.logger.Warn("storage failure", "op", "drop favorite", "error", err)
			}
		}
		writeUpstream(c, f, SourceNetwork)
		return
	}

	if !present {
		writeError(c, http.StatusBadRequest, SourceDeferred, "is_favorite must be true or false")
		return
	}
	updated, _, err := d.store.DeferFavorite(c.Request.Context(), id, bool(fav))
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, SourceStore, "restaurant not found")
		return
	}
	if err != nil {
		d.storageFailure(c, "defer favorite", err)
		return
	}
	d.logger.Info("favorite deferred", "restaurant_id", id, "is_favorite", bool(fav))
	d.deferred(RouteFavorite)
	writeJSON(c, http.StatusOK, SourceDeferred, updated)
}

// serveCached is cache-first. A miss goes to the network; when populate
// is set, a 200 response is stored before it is returned.
func (d *Dispatcher) serveCached(c *gin.Context, cacheName string, origin upstream.Origin, populate bool) {
	ctx := c.Request.Context()
	uri := c.Request.URL.RequestURI()
	lookup := c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead

	if lookup {
		entry, found, err := d.cache.Get(ctx, cacheName, uri)
		if err != nil {
			d.logger.Warn("cache lookup failed", "cache", cacheName, "uri", uri, "error", err)
		}
		if found {
			writeUpstream(c, fetched{status: entry.Status, header: entry.Header, body: entry.Body}, SourceCache)
			return
		}
	}

	var body []byte
	if !lookup {
		var err error
		if body, err = io.ReadAll(c.Request.Body); err != nil {
			writeError(c, http.StatusBadRequest, SourceNetwork, "unreadable request body")
			return
		}
	}
	f, ok := d.forward(c, origin, body)
	if !ok {
		writeError(c, http.StatusGatewayTimeout, SourceCache, "offline and not cached")
		return
	}
	if populate && c.Request.Method == http.MethodGet && f.status == http.StatusOK {
		err := d.cache.Put(ctx, cacheName, uri, assetcache.Entry{Status: f.status, Header: f.header, Body: f.body})
		if err != nil {
			d.logger.Warn("cache store failed", "cache", cacheName, "uri", uri, "error", err)
		}
	}
	writeUpstream(c, f, SourceNetwork)
}

func (d *Dispatcher) passthrough(c *gin.Context, origin upstream.Origin) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, SourceNetwork, "unreadable request body")
		return
	}
	f, ok := d.forward(c, origin, body)
	if !ok {
		writeError(c, http.StatusBadGateway, SourceNetwork, "upstream unreachable")
		return
	}
	writeUpstream(c, f, SourceNetwork)
}
