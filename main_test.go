package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/identity"
	"github.com/go-authgate/tokenkeeper/session"
	"github.com/go-authgate/tokenkeeper/transport"
	"github.com/go-authgate/tokenkeeper/tui"
)

// clearConfigEnv unsets every configuration variable for the test; t.Setenv restores them.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_URL", "USERNAME", "PASSWORD", "TOKEN_FILE", "SESSION_NAMESPACE", "SYNC_BACKEND",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_PREFIX",
		"RENEW_BUFFER", "RENEW_MIN_DELAY", "RENEW_RETRY_INTERVAL", "RENEW_MAX_ATTEMPTS",
		"RENEW_RETRY_INVALID_GRANT", "PROBE_PATH", "PROBE_INTERVAL", "METRICS_ADDR",
		"LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.ServerURL != "http://localhost:8000" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.TokenFile != ".tokenkeeper-session.json" {
		t.Errorf("TokenFile = %q", cfg.TokenFile)
	}
	if cfg.Namespace != "default" || cfg.SyncBackend != backendFile {
		t.Errorf("Namespace = %q SyncBackend = %q", cfg.Namespace, cfg.SyncBackend)
	}
	if cfg.Renewal.Buffer != 15*time.Minute || cfg.Renewal.MinDelay != time.Minute ||
		cfg.Renewal.RetryInterval != 5*time.Minute || cfg.Renewal.MaxAttempts != 3 {
		t.Errorf("Renewal = %+v", cfg.Renewal)
	}
	if cfg.Renewal.RetryInvalidGrant {
		t.Error("RetryInvalidGrant should default to false")
	}
	if cfg.ProbePath != "/api/v1/users/me" || cfg.ProbeInterval != 30*time.Second {
		t.Errorf("probe = %q every %s", cfg.ProbePath, cfg.ProbeInterval)
	}
	if cfg.Redis.Prefix != "tokenkeeper:" || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if !cfg.Plaintext() {
		t.Error("default server URL is plain HTTP")
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_URL", "https://env.example.com/")
	t.Setenv("TOKEN_FILE", "/tmp/env-session.json")
	t.Setenv("SYNC_BACKEND", "Redis")
	t.Setenv("RENEW_BUFFER", "10m")
	t.Setenv("RENEW_MAX_ATTEMPTS", "5")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("PROBE_PATH", "health")

	cfg, err := loadConfig([]string{
		"-server-url", "https://flag.example.com",
		"-interval", "5s",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats env", cfg.ServerURL, "https://flag.example.com"},
		{"env beats default", cfg.TokenFile, "/tmp/env-session.json"},
		{"backend normalized", cfg.SyncBackend, backendRedis},
		{"duration from env", cfg.Renewal.Buffer, 10 * time.Minute},
		{"int from env", cfg.Renewal.MaxAttempts, 5},
		{"prefixed env", cfg.Redis.DB, 2},
		{"probe path rooted", cfg.ProbePath, "/health"},
		{"interval flag", cfg.ProbeInterval, 5 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Plaintext() {
		t.Error("https URL reported as plaintext")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad scheme", map[string]string{"SERVER_URL": "ftp://example.com"}, nil},
		{"missing host", nil, []string{"-server-url", "https://"}},
		{"unknown backend", map[string]string{"SYNC_BACKEND": "etcd"}, nil},
		{"bad duration", map[string]string{"RENEW_BUFFER": "soon"}, nil},
		{"unknown flag", nil, []string{"-client-id", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(tt.args, &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_Sanitize(t *testing.T) {
	cfg := Config{
		ServerURL:     "https://api.example.com//",
		SyncBackend:   " FILE ",
		ProbePath:     "status",
		ProbeInterval: -time.Second,
		Renewal:       RenewalConfig{Buffer: -1, MaxAttempts: 0},
	}
	cfg.Sanitize()

	if cfg.ServerURL != "https://api.example.com" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.SyncBackend != backendFile {
		t.Errorf("SyncBackend = %q", cfg.SyncBackend)
	}
	if cfg.ProbePath != "/status" || cfg.ProbeInterval != 30*time.Second {
		t.Errorf("probe = %q every %s", cfg.ProbePath, cfg.ProbeInterval)
	}
	if cfg.Renewal.Buffer != 15*time.Minute || cfg.Renewal.MinDelay != time.Minute ||
		cfg.Renewal.RetryInterval != 5*time.Minute || cfg.Renewal.MaxAttempts != 3 {
		t.Errorf("Renewal = %+v", cfg.Renewal)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	t.Run("memory", func(t *testing.T) {
		b, err := openBackend(ctx, Config{SyncBackend: backendMemory, Namespace: "default"}, logger)
		if err != nil {
			t.Fatalf("openBackend: %v", err)
		}
		defer b.Close()
		if _, ok := b.store.(*credential.MemoryStore); !ok {
			t.Errorf("store = %T", b.store)
		}
		if b.channel != nil {
			t.Error("memory backend has no channel")
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		b, err := openBackend(ctx, Config{SyncBackend: backendFile, TokenFile: path, Namespace: "default"}, logger)
		if err != nil {
			t.Fatalf("openBackend: %v", err)
		}
		defer b.Close()
		if _, ok := b.store.(*credential.FileStore); !ok {
			t.Errorf("store = %T", b.store)
		}
		if b.channel == nil {
			t.Error("file backend needs a channel")
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := Config{
			SyncBackend: backendRedis,
			Namespace:   "default",
			Redis:       RedisConfig{Addr: mr.Addr(), Prefix: "tokenkeeper:"},
		}
		b, err := openBackend(ctx, cfg, logger)
		if err != nil {
			t.Fatalf("openBackend: %v", err)
		}
		defer b.Close()

		rec := credential.Record{AccessToken: "access-token-x", RefreshToken: "refresh-token-x", ExpiresIn: 60}
		if err := b.store.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !mr.Exists("tokenkeeper:session:default") {
			t.Errorf("keys = %v", mr.Keys())
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		cfg := Config{SyncBackend: backendRedis, Namespace: "default", Redis: RedisConfig{Addr: "127.0.0.1:1"}}
		if _, err := openBackend(ctx, cfg, logger); err == nil {
			t.Error("expected connection error")
		}
	})
}

func TestBackendClose_LogsErrors(t *testing.T) {
	var buf bytes.Buffer
	var order []string
	closers := []closer{
		{name: "redis client", close: func() error {
			order = append(order, "redis client")
			return errors.New("connection already closed")
		}},
		{name: "file watcher", close: func() error {
			order = append(order, "file watcher")
			return nil
		}},
	}
	b := &backend{logger: slog.New(slog.NewTextHandler(&buf, nil)), closers: closers}

	b.Close()

	if strings.Join(order, ",") != "file watcher,redis client" {
		t.Errorf("close order = %v", order)
	}
	out := buf.String()
	if !strings.Contains(out, `resource="redis client"`) || !strings.Contains(out, "connection already closed") {
		t.Errorf("close error not logged:\n%s", out)
	}
	if strings.Contains(out, "file watcher") {
		t.Errorf("successful close logged:\n%s", out)
	}
}

// recordingDisplayer keeps the CLI events it receives.
type recordingDisplayer struct {
	tui.NoopDisplayer

	mu     sync.Mutex
	events []string
}

func (d *recordingDisplayer) add(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, fmt.Sprintf(format, args...))
}

func (d *recordingDisplayer) SessionResumed(tui.SessionInfo) {
	d.add("resumed")
}

func (d *recordingDisplayer) SessionNotFound() {
	d.add("not found")
}

func (d *recordingDisplayer) LoggingIn(username string) {
	d.add("logging in %s", username)
}

func (d *recordingDisplayer) LoggedIn(info tui.SessionInfo) {
	d.add("logged in %s", info.Email)
}

func (d *recordingDisplayer) APICallOK(status int, _ time.Duration) {
	d.add("api ok %d", status)
}

func (d *recordingDisplayer) APICallFailed(err error) {
	d.add("api failed %v", err)
}

func (d *recordingDisplayer) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// fakeAPI serves login, refresh and one protected resource. Each refresh issues the next
// access token and invalidates the previous one.
type fakeAPI struct {
	*httptest.Server
	refreshes atomic.Int32

	mu     sync.Mutex
	active string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{active: "access-token-0000"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+identity.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "alice" || r.FormValue("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Incorrect username or password"}`))
			return
		}
		api.grant(w, "access-token-0000", 600)
	})
	mux.HandleFunc("POST "+identity.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		n := api.refreshes.Add(1)
		token := fmt.Sprintf("access-token-%04d", n)
		api.mu.Lock()
		api.active = token
		api.mu.Unlock()
		api.grant(w, token, 3600)
	})
	mux.HandleFunc("GET /api/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		active := api.active
		api.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+active {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Could not validate credentials"}`))
			return
		}
		w.Write([]byte(`{"email":"alice@example.com"}`))
	})
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) grant(w http.ResponseWriter, accessToken string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"refresh_token": "refresh-" + accessToken,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"user_id":       7,
		"email":         "alice@example.com",
	})
}

func newTestManager(t *testing.T, api *fakeAPI, store credential.Store) (*session.Manager, *identity.Client) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	idp, err := identity.New(api.URL, identity.WithLogger(logger))
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	mgr, err := session.New(session.Options{Store: store, Provider: idp, Logger: logger})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return mgr, idp
}

func TestEnsureSession_LoginThenProbe(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	mgr, idp := newTestManager(t, api, credential.NewMemoryStore())
	d := &recordingDisplayer{}

	cfg := Config{Username: "alice", Password: "secret"}
	if err := ensureSession(ctx, cfg, mgr, idp, d); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}

	// the login credential is within the renewal buffer, so the probe renews first
	probeAPI(ctx, transport.NewClient(api.URL, mgr.HTTPClient()), "/api/v1/users/me", d)

	want := []string{"not found", "logging in alice", "logged in alice@example.com", "api ok 200"}
	if got := d.list(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
	if got := api.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
	rec, err := mgr.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if rec.AccessToken != "access-token-0001" || rec.RefreshToken != "refresh-access-token-0001" {
		t.Errorf("record = %+v", rec)
	}
}

func TestEnsureSession_ResumesStoredSession(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	store := credential.NewMemoryStore()
	rec := credential.Grant{
		AccessToken:  "access-token-0000",
		RefreshToken: "refresh-access-token-0000",
		TokenType:    "bearer",
		ExpiresIn:    3600,
	}.Record(time.Now())
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mgr, idp := newTestManager(t, api, store)
	d := &recordingDisplayer{}

	if err := ensureSession(ctx, Config{}, mgr, idp, d); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	probeAPI(ctx, transport.NewClient(api.URL, mgr.HTTPClient()), "/api/v1/users/me", d)

	want := []string{"resumed", "api ok 200"}
	if got := d.list(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
	if got := api.refreshes.Load(); got != 0 {
		t.Errorf("refreshes = %d, want 0", got)
	}
}

func TestEnsureSession_Failures(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	mgr, idp := newTestManager(t, api, credential.NewMemoryStore())

	if err := ensureSession(ctx, Config{}, mgr, idp, &recordingDisplayer{}); err == nil {
		t.Error("expected error without credentials")
	}

	err := ensureSession(ctx, Config{Username: "alice", Password: "wrong"}, mgr, idp, &recordingDisplayer{})
	if !errors.Is(err, autherr.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if mgr.IsAuthenticated(ctx) {
		t.Error("failed login must not leave a session")
	}
}

func TestProbeAPI_ReplaysAfterRejection(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	mgr, idp := newTestManager(t, api, credential.NewMemoryStore())
	d := &recordingDisplayer{}

	if err := ensureSession(ctx, Config{Username: "alice", Password: "secret"}, mgr, idp, &recordingDisplayer{}); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	probeAPI(ctx, transport.NewClient(api.URL, mgr.HTTPClient()), "/api/v1/users/me", d)

	// the server revokes the current access credential
	api.mu.Lock()
	api.active = "access-token-revoked"
	api.mu.Unlock()
	probeAPI(ctx, transport.NewClient(api.URL, mgr.HTTPClient()), "/api/v1/users/me", d)

	events := d.list()
	if len(events) != 2 || events[0] != "api ok 200" {
		t.Fatalf("events = %q", events)
	}
	// the replay carries access-token-0002, which the server now accepts
	if events[1] != "api ok 200" {
		t.Errorf("second probe = %q", events[1])
	}
	if got := api.refreshes.Load(); got != 2 {
		t.Errorf("refreshes = %d, want 2", got)
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := logReporter{logger: slog.New(slog.NewTextHandler(&buf, nil))}

	r.ReportAuthError(autherr.KindNetworkError, errors.New("dial tcp: refused"))
	r.ReportAuthError(autherr.KindSessionTerminated, autherr.ErrSessionTerminated)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "kind=network_error") {
		t.Errorf("network error not logged as warning:\n%s", out)
	}
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "kind=session_terminated") {
		t.Errorf("termination not logged as error:\n%s", out)
	}
}
