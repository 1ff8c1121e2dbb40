package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"markproxy/internal/client"
	"markproxy/internal/config"
	"markproxy/internal/handler"
	"markproxy/internal/metrics"
	"markproxy/internal/middleware"
	"markproxy/internal/rewrite"
	"markproxy/internal/service"
	"markproxy/internal/target"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// proxyModule is the request path: prefix resolution, upstream exchange and
// body rewriting.
var proxyModule = fx.Options(
	fx.Provide(
		target.NewResolver,
		client.NewUpstreamClient,
		service.NewProxyService,
		rewrite.New,
		handler.NewProxyHandler,
		handler.NewHealthHandler,
	),
	fx.Invoke(handler.RegisterRoutes),
)

// serverModule owns the listener and everything shared across requests.
var serverModule = fx.Options(
	fx.Provide(
		config.Load,
		newLogger,
		newMetrics,
		newEcho,
	),
	fx.Invoke(
		func(cfg *config.Config, logger *slog.Logger) { cfg.WarnPermissions(logger) },
		serve,
	),
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("markproxy"),
		kong.Description("Transparent reverse proxy that rewrites and marks upstream pages."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Supply(&cli, handler.Version(version)),
		serverModule,
		proxyModule,
	).Run()
}

// newLogger builds the process logger. The level was validated by config.Load,
// so an empty or unknown value can only mean the default.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err == nil {
		opts.Level = level
	}

	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newMetrics bounds the path_prefix label to local routes and rule prefixes.
func newMetrics(resolver *target.Resolver) *metrics.Metrics {
	return metrics.New(resolver.Prefixes()...)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	// No write deadline: relayed binary bodies stream until the upstream is
	// done or the client goes away.
	e.Server.WriteTimeout = 0

	chain := []echo.MiddlewareFunc{
		echomw.Recover(),
		echomw.RequestID(),
		middleware.RequestLogger(logger),
	}
	if cfg.Metrics.Enabled {
		chain = append(chain, middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	chain = append(chain,
		echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)),
		middleware.SecurityHeaders(),
	)
	if rl := cfg.Server.RateLimit; rl.Enabled {
		chain = append(chain, echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(rate.Limit(rl.RequestsPerSecond))))
		logger.Info("rate limiter enabled", "rps", rl.RequestsPerSecond)
	}
	e.Use(chain...)

	return e
}

// serve binds the listen address at start-up so a taken port fails the app
// instead of a background goroutine.
func serve(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, resolver *target.Resolver, logger *slog.Logger) {
	lc.Append(fx.StartStopHook(
		func() error {
			ln, err := net.Listen("tcp", cfg.Server.Addr())
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Server.Addr(), err)
			}
			logger.Info("proxy listening",
				"addr", ln.Addr().String(),
				"primary_origin", resolver.Primary().String(),
				"prefixes", resolver.Prefixes(),
				"landing_mode", cfg.Proxy.LandingMode,
				"catch_all", cfg.Proxy.IsCatchAll(),
			)
			go func() {
				if err := e.Server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server stopped unexpectedly", "err", err)
				}
			}()
			return nil
		},
		func(ctx context.Context) error {
			logger.Info("draining connections")
			return e.Shutdown(ctx)
		},
	))
}
