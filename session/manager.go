// Package session assembles the credential lifecycle of one application instance: the store
// handle, the renewal scheduler and coordinator, cross-instance propagation and the
// authenticating HTTP transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/broadcast"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/notify"
	"github.com/go-authgate/tokenkeeper/renewal"
	"github.com/go-authgate/tokenkeeper/transport"
)

// Options configures a Manager. Store and Provider are required; without a Channel renewals
// are not announced to other instances.
type Options struct {
	Store    credential.Store
	Provider renewal.Provider
	Channel  broadcast.Channel
	Notifier notify.Notifier
	Reporter notify.ErrorReporter
	Logger   *slog.Logger

	// Base is the transport requests go out on. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Buffer            time.Duration
	MinDelay          time.Duration
	RetryInterval     time.Duration
	MaxAttempts       int
	FlightTimeout     time.Duration
	RetryInvalidGrant bool

	// OnTerminated is called with the terminal error whenever the session terminates.
	OnTerminated func(error)
}

// Manager is the credential lifecycle of one application instance. Create one per instance
// and share it; it holds the only flight slot and timer for its session.
type Manager struct {
	store       credential.Store
	scheduler   *renewal.Scheduler
	coordinator *renewal.Coordinator
	broadcaster *broadcast.Broadcaster
	transport   *transport.Transport
	logger      *slog.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	unsubscribe func()
	background  sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		store:     opts.Store,
		scheduler: renewal.NewScheduler(opts.Buffer, opts.MinDelay),
		logger:    opts.Logger,
	}

	var publisher renewal.Publisher
	if opts.Channel != nil {
		m.broadcaster = broadcast.New(opts.Channel, opts.Logger)
		publisher = m.broadcaster
	}

	coordinator, err := renewal.NewCoordinator(renewal.Options{
		Store:             opts.Store,
		Provider:          opts.Provider,
		Publisher:         publisher,
		Scheduler:         m.scheduler,
		Notifier:          opts.Notifier,
		Reporter:          opts.Reporter,
		Logger:            opts.Logger,
		MaxAttempts:       opts.MaxAttempts,
		RetryInterval:     opts.RetryInterval,
		FlightTimeout:     opts.FlightTimeout,
		RetryInvalidGrant: opts.RetryInvalidGrant,
		OnTerminated:      opts.OnTerminated,
	})
	if err != nil {
		return nil, err
	}
	m.coordinator = coordinator

	m.transport, err = transport.New(transport.Options{
		Base:     opts.Base,
		Store:    opts.Store,
		Renewer:  coordinator,
		Buffer:   m.scheduler.Buffer(),
		Notifier: opts.Notifier,
		Reporter: opts.Reporter,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Start listens for renewals announced by other instances and resumes a session left in the
// store. A resumed record that already expired is renewed in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("session: manager is closed")
	}
	if m.started {
		return errors.New("session: manager already started")
	}

	if m.broadcaster != nil {
		unsubscribe, err := m.broadcaster.Subscribe(m.adopt)
		if err != nil {
			return fmt.Errorf("subscribe to renewals: %w", err)
		}
		m.unsubscribe = unsubscribe
	}
	m.started = true

	rec, err := m.store.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		m.logger.Info("no stored session")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	m.coordinator.Resume(rec)
	if rec.Expired(time.Now()) {
		m.logger.Info("stored session expired, renewing", "expired_at", rec.ExpiresAt)
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			if _, err := m.coordinator.Renew(context.Background(), renewal.ReasonPreventive); err != nil {
				m.logger.Warn("renewal of resumed session failed", "error", err)
			}
		}()
	}
	return nil
}

func (m *Manager) adopt(rec credential.Record) {
	m.coordinator.Adopt(context.Background(), rec)
}

// Login starts a fresh session from a grant the identity provider just issued.
func (m *Manager) Login(ctx context.Context, grant credential.Grant) (credential.Record, error) {
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		return credential.Record{}, errors.New("session: grant is missing a credential")
	}
	if grant.ExpiresIn <= 0 {
		return credential.Record{}, fmt.Errorf("session: invalid expires_in %d", grant.ExpiresIn)
	}

	rec := grant.Record(time.Now())
	if err := m.coordinator.Begin(ctx, rec); err != nil {
		return credential.Record{}, err
	}
	return rec, nil
}

// Logout ends the session. A renewal still in flight cannot bring it back.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.coordinator.End(ctx); err != nil {
		return err
	}
	m.logger.Info("logged out")
	return nil
}

// Renew forces a renewal, joining one already in flight.
func (m *Manager) Renew(ctx context.Context) (credential.Record, error) {
	return m.coordinator.Renew(ctx, renewal.ReasonManual)
}

// Current returns the stored session record.
func (m *Manager) Current(ctx context.Context) (credential.Record, error) {
	return m.store.Load(ctx)
}

// IsAuthenticated reports whether a session record with an access credential is stored.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	rec, err := m.store.Load(ctx)
	return err == nil && rec.AccessToken != ""
}

// NeedsRenewal reports whether the stored access credential expires within the buffer.
func (m *Manager) NeedsRenewal(ctx context.Context) bool {
	rec, err := m.store.Load(ctx)
	return err == nil && rec.NearExpiry(time.Now(), m.scheduler.Buffer())
}

// NextRenewal returns when the scheduler fires next.
func (m *Manager) NextRenewal() (time.Time, bool) {
	return m.scheduler.NextFire()
}

// Status exposes the coordinator view, mostly for display.
func (m *Manager) Status() renewal.Status {
	return m.coordinator.Status()
}

// HTTPClient returns a client that authenticates every request and replays once on 401.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: m.transport}
}

// Transport returns the authenticating round tripper, for callers that build their own client.
func (m *Manager) Transport() http.RoundTripper {
	return m.transport
}

// Close stops listening for external renewals and stops the coordinator, so a renewal still in
// flight settles without re-arming. The stored session is left in place for the next start.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.coordinator.Stop()
	m.background.Wait()
	return nil
}

// usable returns a credential that is valid right now, renewing first when it is near expiry.
// A recoverable failure keeps the current credential while it lasts.
func (m *Manager) usable(ctx context.Context) (credential.Record, error) {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		return credential.Record{}, fmt.Errorf("%w: no session", autherr.ErrUnauthorized)
	}
	if err != nil {
		return credential.Record{}, err
	}

	now := time.Now()
	if !rec.NearExpiry(now, m.scheduler.Buffer()) {
		return rec, nil
	}
	renewed, err := m.coordinator.Renew(ctx, renewal.ReasonPreventive)
	if err == nil {
		return renewed, nil
	}
	if autherr.IsRecoverable(err) && !rec.Expired(now) {
		return rec, nil
	}
	return credential.Record{}, err
}
