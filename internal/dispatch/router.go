package dispatch

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// AllowedOrigins lists CORS origins; empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds a gin engine with recovery, request logging and CORS,
// sending everything without an explicit route to d.
//
// Control endpoints are added by the caller on the returned engine.
func NewRouter(d *Dispatcher, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := gin.New()
	// Paths are proxied as given; "/reviews" and "/reviews/" both exist
	// upstream.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AddAllowMethods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions)
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Accept")
	corsConfig.AddExposeHeaders(SourceHeader, "Content-Length")
	r.Use(cors.New(corsConfig))

	r.NoRoute(d.Handle)
	return r
}

// requestLogger logs one line per request at debug, at warn for 5xx.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"source", c.Writer.Header().Get(SourceHeader),
			"duration", time.Since(start),
		)
	}
}
