package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"

	"github.com/bookbridge/bookbridge/internal"
)

// cli contains our command-line flags.
type cli struct {
	Serve server `cmd:"" help:"Run an HTTP server."`
	Bust  bust   `cmd:"" help:"Bust an ISBN's cache entry."`
}

type server struct {
	pgconfig
	logconfig

	Port int `default:"8788" help:"Port to serve traffic on."`

	PrimaryHost     string `help:"Primary metadata provider host."`
	PrimaryAPIKey   string `help:"Primary provider API key, or env:VAR_NAME to resolve from the environment."`
	SecondaryHost   string `help:"Secondary metadata provider host."`
	SecondaryAPIKey string `help:"Secondary provider API key, or env:VAR_NAME."`
	CoverHost       string `help:"Cover-art provider host."`
	CoverAPIKey     string `help:"Cover provider API key, or env:VAR_NAME."`

	ProviderRPS   float64 `default:"5" help:"Outbound requests/sec allowed per provider."`
	ProviderBurst int     `default:"10" help:"Outbound request burst allowed per provider."`

	RateLimitDefault int `default:"100" help:"Default requests/min per principal (rateLimit.default)."`

	NegativeCacheTTL time.Duration `default:"0s" help:"TTL for caching hard not-found provider signals; 0 disables (cache.negative)."`

	UnifiedEnvelope bool `default:"true" help:"Toggle the unified response envelope shape (feature.unifiedEnvelope)."`
}

type bust struct {
	pgconfig
	logconfig

	ISBN string `arg:"" help:"ISBN to evict from the cache."`
}

type pgconfig struct {
	PostgresHost     string `default:"localhost" help:"Postgres host."`
	PostgresUser     string `default:"postgres" help:"Postgres user."`
	PostgresPassword string `default:"" help:"Postgres password."`
	PostgresPort     int    `default:"5432" help:"Postgres port."`
	PostgresDatabase string `default:"bookbridge" help:"Postgres database to use."`
}

// dsn returns the database's DSN based on the provided flags.
func (c *pgconfig) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDatabase,
	)
}

type logconfig struct {
	Verbose bool `help:"increase log verbosity"`
}

func (c *logconfig) Run() error {
	if c.Verbose {
		internal.SetLevel("debug")
	}
	return nil
}

func (s *server) Run() error {
	_ = s.logconfig.Run()

	ctx := context.Background()

	svc, err := internal.NewService(ctx, internal.Config{
		DSN: s.dsn(),

		PrimaryHost:        s.PrimaryHost,
		PrimaryAPIKeyRef:   s.PrimaryAPIKey,
		SecondaryHost:      s.SecondaryHost,
		SecondaryAPIKeyRef: s.SecondaryAPIKey,
		CoverHost:          s.CoverHost,
		CoverAPIKeyRef:     s.CoverAPIKey,

		ProviderRPS:      s.ProviderRPS,
		ProviderBurst:    s.ProviderBurst,
		NegativeCacheTTL: s.NegativeCacheTTL,

		RateLimitWindows: map[internal.EndpointClass]internal.WindowConfig{
			internal.ClassRead:  {Limit: s.RateLimitDefault, Window: time.Minute},
			internal.ClassBatch: {Limit: s.RateLimitDefault / 5, Window: time.Minute},
			internal.ClassBust:  {Limit: 10, Window: time.Minute},
		},

		UnifiedEnvelope: s.UnifiedEnvelope,
	})
	if err != nil {
		return fmt.Errorf("setting up service: %w", err)
	}

	h := newHandler(svc, s.UnifiedEnvelope)
	mux := newMux(h)

	mux = stampede.Handler(1024, 0)(mux)    // Coalesce requests to the same resource.
	mux = middleware.RequestSize(11 << 20)(mux) // Limit request bodies (csv/bookshelf import caps at 10MiB).
	mux = middleware.RedirectSlashes(mux)   // Normalize paths for caching.
	mux = requestlogger{}.Wrap(mux)         // Log requests.
	mux = internal.Instrument(svc.Registry(), mux) // Record request latency/status histograms.
	mux = middleware.RequestID(mux)         // Include a request ID header.
	mux = middleware.Recoverer(mux)         // Recover from panics.

	addr := fmt.Sprintf(":%d", s.Port)
	httpServer := &http.Server{
		Handler:  mux,
		Addr:     addr,
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}

	slog.Info("listening on " + addr)
	return httpServer.ListenAndServe()
}

func (b *bust) Run() error {
	_ = b.logconfig.Run()
	ctx := context.Background()

	svc, err := internal.NewService(ctx, internal.Config{DSN: b.dsn()})
	if err != nil {
		return err
	}
	svc.BustISBN(ctx, b.ISBN)
	return nil
}

func main() {
	kctx := kong.Parse(&cli{})
	err := kctx.Run()
	if err != nil {
		internal.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func init() {
	// Limit our memory to 90% of what's free. This affects cache sizes.
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}

// requestlogger logs each request's method, path, status, and duration at
// debug level via the same charmbracelet logger internal.Log uses.
type requestlogger struct{}

func (requestlogger) Wrap(next http.Handler) http.Handler {
	logger := charm.NewWithOptions(os.Stderr, charm.Options{ReportTimestamp: true})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
