package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/offsync/internal/assetcache"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/dispatch"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/reconcile"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/upstream"
)

// Control endpoint paths.
const (
	ControlPrefix = "/__offsync"
	EventsPath    = ControlPrefix + "/events"
	SyncPath      = ControlPrefix + "/sync"
	StatusPath    = ControlPrefix + "/status"
)

// Trigger reasons.
const (
	ReasonStartup  = "startup"
	ReasonRestored = "connectivity-restored"
	ReasonHTTP     = "http"
)

// Service is a running proxy instance.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	cache      *assetcache.Cache
	upstream   *upstream.Client
	hub        *notify.Hub
	reconciler *reconcile.Reconciler
	monitor    *reconcile.Monitor
	dispatcher *dispatch.Dispatcher
	router     *gin.Engine
	started    time.Time
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	backend    assetcache.Backend
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient replaces the upstream HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithCacheBackend bypasses cfg.Cache.Backend.
func WithCacheBackend(b assetcache.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New opens the store, running its upgrade, and assembles the service.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Upstream.Timeout.Duration()}
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend := o.backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg, st)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	s := &Service{
		cfg:     cfg,
		logger:  o.logger,
		store:   st,
		cache:   assetcache.New(backend, o.logger.With("component", "assetcache")),
		hub:     notify.NewHub(o.logger.With("component", "notify")),
		started: time.Now(),
	}

	s.monitor = reconcile.NewMonitor(func() {
		s.reconciler.Trigger(ReasonRestored)
	}, o.logger.With("component", "monitor"))

	s.upstream, err = upstream.New(cfg.Upstream.API, cfg.Upstream.Site,
		upstream.WithHTTPClient(o.httpClient),
		upstream.WithLogger(o.logger.With("component", "upstream")),
		upstream.WithOutcome(apiOutcome(s.monitor)),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.reconciler = reconcile.New(st, s.upstream, s.hub, o.logger.With("component", "reconcile"))

	s.dispatcher = dispatch.New(st, s.cache, s.upstream,
		dispatch.WithLogger(o.logger.With("component", "dispatch")),
	)
	s.router = dispatch.NewRouter(s.dispatcher, dispatch.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         o.logger.With("component", "http"),
	})
	s.registerControl(s.router)

	return s, nil
}

// apiOutcome feeds the monitor from API round trips only. The site is a
// separate origin and says nothing about whether queued writes can replay.
func apiOutcome(m *reconcile.Monitor) upstream.Outcome {
	return func(origin upstream.Origin, reachable bool) {
		if origin == upstream.OriginAPI {
			m.Observe(reachable)
		}
	}
}

func openBackend(ctx context.Context, cfg *config.Config, st *store.Store) (assetcache.Backend, error) {
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		return assetcache.NewMemoryBackend(), nil
	case config.BackendRedis:
		b, err := assetcache.DialRedisBackend(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return b, nil
	default:
		b, err := assetcache.NewSQLiteBackend(st.DB())
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return b, nil
	}
}

// Handler returns the HTTP handler serving proxied and control paths.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Store returns the persistent store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Cache returns the resource cache.
func (s *Service) Cache() *assetcache.Cache {
	return s.cache
}

// Hub returns the notification hub.
func (s *Service) Hub() *notify.Hub {
	return s.hub
}

// Reconciler returns the reconciler.
func (s *Service) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Monitor returns the connectivity monitor.
func (s *Service) Monitor() *reconcile.Monitor {
	return s.monitor
}

// Install fetches every manifest entry and stores them in the static
// cache. Nothing is stored unless every fetch succeeds.
func (s *Service) Install(ctx context.Context) error {
	type fetchedAsset struct {
		key   string
		entry assetcache.Entry
	}
	assets := make([]fetchedAsset, 0, len(s.cfg.Cache.Manifest))
	for _, ref := range s.cfg.Cache.Manifest {
		status, header, body, err := s.upstream.Fetch(ctx, ref)
		if err != nil {
			return fmt.Errorf("install %s: %w", ref, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("install %s: status %d: %w", ref, status, assetcache.ErrUncacheable)
		}
		assets = append(assets, fetchedAsset{
			key:   installKey(ref),
			entry: assetcache.Entry{Status: status, Header: header, Body: body},
		})
	}

	for _, a := range assets {
		if err := s.cache.Put(ctx, assetcache.StaticCache, a.key, a.entry); err != nil {
			return fmt.Errorf("install %s: %w", a.key, err)
		}
	}
	s.logger.Info("app shell installed", "cache", assetcache.StaticCache, "assets", len(assets))
	return nil
}

// installKey maps a manifest entry to the request URI the dispatcher will
// look it up by. Absolute URLs are kept as they are.
func installKey(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	return "/" + strings.TrimPrefix(ref, "/")
}

// Activate purges every cache not in assetcache.KnownCaches and returns
// the purged names.
func (s *Service) Activate(ctx context.Context) ([]string, error) {
	purged, err := s.cache.PurgeUnknown(ctx, assetcache.KnownCaches)
	if err != nil {
		return purged, fmt.Errorf("activate: %w", err)
	}
	if len(purged) > 0 {
		s.logger.Info("purged stale caches", "caches", purged)
	}
	return purged, nil
}

// Serve runs install, activate and an initial sync trigger, then serves
// HTTP on ln alongside the reconciler and connectivity check until ctx is
// cancelled. Install failures are logged and do not stop the service.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Install(ctx); err != nil {
		s.logger.Warn("install failed", "error", err)
	}
	if _, err := s.Activate(ctx); err != nil {
		s.logger.Warn("activate failed", "error", err)
	}
	s.reconciler.Trigger(ReasonStartup)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 3)
	go func() { errc <- s.reconciler.Run(ctx) }()
	go func() {
		errc <- s.monitor.Watch(ctx, s.cfg.Upstream.ProbeInterval.Duration(), func(ctx context.Context) {
			s.upstream.Ping(ctx)
		})
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
			return
		}
		errc <- nil
	}()

	s.logger.Info("offsync serving",
		"addr", ln.Addr().String(),
		"api", s.upstream.APIBase(),
		"site", s.upstream.SiteBase(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.hub.Close()
	s.logger.Info("offsync stopped")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// Run listens on cfg.Server.Listen and calls Serve.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Close releases the cache backend and the store.
func (s *Service) Close() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
