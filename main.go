package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/broadcast"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/identity"
	"github.com/go-authgate/tokenkeeper/session"
	"github.com/go-authgate/tokenkeeper/transport"
	"github.com/go-authgate/tokenkeeper/tui"
)

// Timeout configuration for different operations
const (
	probeTimeout           = 10 * time.Second
	redisConnectTimeout    = 5 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	// Warn if using HTTP instead of HTTPS
	if cfg.Plaintext() {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	tty := isTTY()
	logger, closeLog, err := newLogger(cfg, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		runErr := run(cfg, tui.NewProgramDisplayer(p), logger)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			closeLog()
			os.Exit(1)
		}
	} else {
		if err := run(cfg, tui.NewPlainDisplayer(os.Stderr), logger); err != nil {
			closeLog()
			os.Exit(1)
		}
	}
}

// newLogger logs to LOG_FILE when set. Without it, logs go to stderr in plain mode and are
// dropped while the TUI owns the terminal.
func newLogger(cfg Config, tty bool) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		var once sync.Once
		return slog.New(slog.NewJSONHandler(f, opts)), func() { once.Do(func() { f.Close() }) }, nil
	case tty:
		return slog.New(slog.NewTextHandler(io.Discard, opts)), func() {}, nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
}

func run(cfg Config, d tui.Displayer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := uuid.NewString()[:8]
	d.Banner(cfg.ServerURL, instance)
	logger = logger.With("instance", instance)

	idp, err := identity.New(cfg.ServerURL, identity.WithLogger(logger))
	if err != nil {
		d.Fatal(err)
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer b.Close()

	stopMetrics := serveMetrics(cfg.MetricsAddr, logger)
	defer stopMetrics()

	terminated := make(chan error, 1)
	mgr, err := session.New(session.Options{
		Store:             b.store,
		Provider:          idp,
		Channel:           b.channel,
		Notifier:          d,
		Reporter:          logReporter{logger: logger},
		Logger:            logger,
		Buffer:            cfg.Renewal.Buffer,
		MinDelay:          cfg.Renewal.MinDelay,
		RetryInterval:     cfg.Renewal.RetryInterval,
		MaxAttempts:       cfg.Renewal.MaxAttempts,
		RetryInvalidGrant: cfg.Renewal.RetryInvalidGrant,
		OnTerminated: func(err error) {
			select {
			case terminated <- err:
			default:
			}
		},
	})
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		d.Fatal(err)
		return err
	}

	if err := ensureSession(ctx, cfg, mgr, idp, d); err != nil {
		d.Fatal(err)
		return err
	}

	api := transport.NewClient(cfg.ServerURL, mgr.HTTPClient())
	ticker := time.NewTicker(cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		probeAPI(ctx, api, cfg.ProbePath, d)
		d.SessionUpdated(sessionInfo(ctx, mgr))

		select {
		case <-ctx.Done():
			d.Done(sessionInfo(context.Background(), mgr))
			return nil
		case err := <-terminated:
			d.SessionTerminated(err)
			return err
		case <-ticker.C:
		}
	}
}

// ensureSession keeps a resumed session or signs in with the configured credentials.
func ensureSession(
	ctx context.Context,
	cfg Config,
	mgr *session.Manager,
	idp *identity.Client,
	d tui.Displayer,
) error {
	if mgr.IsAuthenticated(ctx) {
		d.SessionResumed(sessionInfo(ctx, mgr))
		return nil
	}
	d.SessionNotFound()

	if cfg.Username == "" || cfg.Password == "" {
		return errors.New("no stored session: set USERNAME and PASSWORD (or -username) to sign in")
	}

	d.LoggingIn(cfg.Username)
	grant, err := idp.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if _, err := mgr.Login(ctx, grant); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	d.LoggedIn(sessionInfo(ctx, mgr))
	return nil
}

// probeAPI issues one authenticated request. Renewal and replay happen inside the client's
// transport.
func probeAPI(ctx context.Context, api *transport.Client, path string, d tui.Displayer) {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	var body json.RawMessage
	err := api.Get(reqCtx, path, &body)
	switch {
	case err == nil:
		d.APICallOK(http.StatusOK, time.Since(start))
	case ctx.Err() != nil, errors.Is(err, autherr.ErrSessionTerminated):
		// shutdown or termination is reported by the caller
	default:
		d.APICallFailed(err)
	}
}

func sessionInfo(ctx context.Context, mgr *session.Manager) tui.SessionInfo {
	rec, err := mgr.Current(ctx)
	if err != nil {
		return tui.SessionInfo{}
	}
	next, _ := mgr.NextRenewal()
	return tui.SessionInfo{
		Preview:     credential.Preview(rec.AccessToken),
		TokenType:   rec.TokenType,
		Email:       rec.Email,
		ExpiresAt:   rec.ExpiresAt,
		NextRenewal: next,
	}
}

// backend is the store shared by every instance plus the channel announcing renewals to them.
type backend struct {
	store   credential.Store
	channel broadcast.Channel
	logger  *slog.Logger
	closers []closer
}

type closer struct {
	name  string
	close func() error
}

// Close releases backend resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].close(); err != nil {
			b.logger.Warn("failed to close backend resource", "resource", b.closers[i].name, "error", err)
		}
	}
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*backend, error) {
	switch cfg.SyncBackend {
	case backendMemory:
		return &backend{store: credential.NewMemoryStore(), logger: logger}, nil

	case backendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		store, err := credential.NewRedisStore(client, cfg.Redis.Prefix+"session:", cfg.Namespace)
		if err != nil {
			client.Close()
			return nil, err
		}
		channel, err := broadcast.NewRedisChannel(client, cfg.Redis.Prefix+"events:"+cfg.Namespace, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &backend{
			store:   store,
			channel: channel,
			logger:  logger,
			closers: []closer{{name: "redis client", close: client.Close}},
		}, nil

	default:
		store, err := credential.NewFileStore(cfg.TokenFile, cfg.Namespace, logger)
		if err != nil {
			return nil, err
		}
		channel, err := broadcast.NewFileChannel(cfg.TokenFile+"."+cfg.Namespace+".events", logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:   store,
			channel: channel,
			logger:  logger,
			closers: []closer{{name: "file watcher", close: channel.Close}},
		}, nil
	}
}

// serveMetrics exposes /metrics on addr. The returned func shuts the server down.
func serveMetrics(addr string, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// logReporter forwards authentication errors to the log.
type logReporter struct {
	logger *slog.Logger
}

func (r logReporter) ReportAuthError(kind autherr.Kind, err error) {
	level := slog.LevelWarn
	if kind == autherr.KindSessionTerminated {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "authentication error", "kind", kind, "error", err)
}
