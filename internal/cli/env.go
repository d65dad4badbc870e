package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/api"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/proxy"
)

// serviceFlags override config for commands that open the store.
type serviceFlags struct {
	Listen       string
	API          string
	Site         string
	Database     string
	CacheBackend string
	RedisAddr    string
	LogLevel     string
}

func addServiceFlags(cmd *cobra.Command, f *serviceFlags) {
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().StringVar(&f.API, "api", "", "data API base URL (overrides upstream.api)")
	cmd.Flags().StringVar(&f.Site, "site", "", "site base URL (overrides upstream.site)")
	cmd.Flags().StringVar(&f.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&f.CacheBackend, "cache-backend", "", "cache backend: sqlite|memory|redis (overrides cache.backend)")
	cmd.Flags().StringVar(&f.RedisAddr, "redis-addr", "", "redis address (overrides cache.redis_addr)")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "log level: debug|info|warn|error (overrides logging.level)")
}

// loadConfig loads config and applies flags the user set explicitly.
// f may be nil for commands without service flags.
func loadConfig(cmd *cobra.Command, opts *RootOptions, f *serviceFlags) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: opts.ConfigPath, EnvFile: opts.EnvFile})
	if err != nil {
		return nil, err
	}
	if f != nil {
		flags := cmd.Flags()
		set := func(name string, dst *string, v string) {
			if flags.Changed(name) {
				*dst = v
			}
		}
		set("listen", &cfg.Server.Listen, f.Listen)
		set("api", &cfg.Upstream.API, f.API)
		set("site", &cfg.Upstream.Site, f.Site)
		set("db", &cfg.Store.Path, f.Database)
		set("cache-backend", &cfg.Cache.Backend, f.CacheBackend)
		set("redis-addr", &cfg.Cache.RedisAddr, f.RedisAddr)
		set("log-level", &cfg.Logging.Level, f.LogLevel)
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the text logger on stderr at the configured level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Logging.Level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// openService loads config and opens the store and cache without serving.
func openService(cmd *cobra.Command, opts *RootOptions, f *serviceFlags, formatter *OutputFormatter) (*proxy.Service, *config.Config, error) {
	cfg, err := loadConfig(cmd, opts, f)
	if err != nil {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	formatter.VerboseLog("store: %s, cache backend: %s", cfg.Store.Path, cfg.Cache.Backend)

	logger := newLogger(cmd.ErrOrStderr(), cfg)
	svc, err := proxy.New(commandContext(cmd), cfg, proxy.WithLogger(logger))
	if err != nil {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	return svc, cfg, nil
}

// newFormatter returns the formatter for cmd's writers.
func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// newClient returns an api client for the running proxy. The response
// source of the last call is recorded on formatter.
func newClient(cmd *cobra.Command, opts *RootOptions, formatter *OutputFormatter) (*api.Client, error) {
	base := opts.ProxyURL
	if base == "" {
		cfg, err := loadConfig(cmd, opts, nil)
		if err != nil {
			return nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		base = proxyURL(cfg.Server.Listen)
	}
	formatter.VerboseLog("proxy: %s", base)

	client := api.New(base)
	client.OnResponse = func(_ int, source string) {
		formatter.Source = source
	}
	return client, nil
}

// proxyURL turns a listen address into a URL a local client can dial.
func proxyURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// isUnreachable reports whether err means no proxy answered.
func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
