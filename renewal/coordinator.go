package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/notify"
)

const (
	// DefaultMaxAttempts is the number of consecutive failures that terminates a session.
	DefaultMaxAttempts = 3

	// DefaultFlightTimeout bounds one identity provider call.
	DefaultFlightTimeout = 10 * time.Second
)

// ErrStopped is returned once the owner of the coordinator has stopped it.
var ErrStopped = errors.New("renewal: coordinator stopped")

// Reason tells why a renewal was requested.
type Reason string

const (
	ReasonPreventive Reason = "preventive"
	ReasonReactive   Reason = "reactive"
	ReasonManual     Reason = "manual"
)

// Provider exchanges a refresh credential for a new grant.
type Provider interface {
	Renew(ctx context.Context, refreshToken string) (credential.Grant, error)
}

// Publisher announces a locally renewed record to other instances.
type Publisher interface {
	Publish(ctx context.Context, rec credential.Record) error
}

// Phase is the lifecycle phase of the coordinated session.
type Phase int

const (
	// PhaseInactive means no session was started, or it was ended by logout.
	PhaseInactive Phase = iota
	PhaseActive
	// PhaseTerminated is absorbing until the next Begin.
	PhaseTerminated
	// PhaseStopped is final: the owner closed and nothing renews or re-arms anymore.
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseTerminated:
		return "terminated"
	case PhaseStopped:
		return "stopped"
	}
	return "inactive"
}

// Status is a point-in-time view of the coordinator. ExpiresAt belongs to the record it last
// committed.
type Status struct {
	Phase       Phase
	Renewing    bool
	Attempts    int
	NextRenewal time.Time
	ExpiresAt   time.Time
}

// Options configures a Coordinator. Store, Provider and Scheduler are required.
type Options struct {
	Store     credential.Store
	Provider  Provider
	Publisher Publisher
	Scheduler *Scheduler
	Notifier  notify.Notifier
	Reporter  notify.ErrorReporter
	Logger    *slog.Logger

	MaxAttempts   int
	RetryInterval time.Duration
	FlightTimeout time.Duration

	// RetryInvalidGrant makes a rejected refresh credential consume retry budget like any
	// other failure. By default it terminates the session at once.
	RetryInvalidGrant bool

	// OnTerminated receives the terminal error every time the session terminates.
	OnTerminated func(error)
}

// Coordinator serializes renewals of one session: concurrent callers share a single flight,
// failures are counted against a cap, and the session terminates when the cap is reached.
type Coordinator struct {
	store         credential.Store
	provider      Provider
	publisher     Publisher
	scheduler     *Scheduler
	notifier      notify.Notifier
	reporter      notify.ErrorReporter
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
	flightTimeout time.Duration
	retryInvalid  bool
	onTerminated  func(error)

	group singleflight.Group

	mu       sync.Mutex
	phase    Phase
	epoch    uint64
	attempts int
	flying   int
	known    credential.Record
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("renewal: store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("renewal: provider is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("renewal: scheduler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = DefaultFlightTimeout
	}

	c := &Coordinator{
		store:         opts.Store,
		provider:      opts.Provider,
		publisher:     opts.Publisher,
		scheduler:     opts.Scheduler,
		notifier:      notify.Safe(opts.Notifier, opts.Logger),
		reporter:      notify.SafeReporter(opts.Reporter, opts.Logger),
		logger:        opts.Logger,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		flightTimeout: opts.FlightTimeout,
		retryInvalid:  opts.RetryInvalidGrant,
		onTerminated:  opts.OnTerminated,
	}
	c.scheduler.OnFire(c.preventive)
	return c, nil
}

// Begin starts a fresh session with rec, as after a login. It persists rec, forgets previous
// failures and terminal state, and arms the scheduler for rec's lifetime. A flight still
// running for the previous session is discarded when it settles.
func (c *Coordinator) Begin(ctx context.Context, rec credential.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseStopped {
		return ErrStopped
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.epoch++
	c.phase = PhaseActive
	c.attempts = 0
	c.known = rec
	delay := c.scheduler.Arm(rec.Lifetime())
	c.logger.Info("session started",
		"access_token", credential.Preview(rec.AccessToken),
		"expires_at", rec.ExpiresAt,
		"renew_in", delay,
	)
	return nil
}

// Resume activates a session already present in the store. A record with validity left is
// armed for its remaining validity; the caller renews an expired one.
func (c *Coordinator) Resume(rec credential.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseStopped {
		return
	}
	c.epoch++
	c.phase = PhaseActive
	c.attempts = 0
	c.known = rec
	if remaining := rec.Remaining(time.Now()); remaining > 0 {
		delay := c.scheduler.Arm(remaining)
		c.logger.Info("session resumed", "expires_at", rec.ExpiresAt, "renew_in", delay)
	}
}

// End closes the session, as on logout: the scheduler stops, the store is cleared and a flight
// still running cannot resurrect the session.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	if c.phase != PhaseStopped {
		c.phase = PhaseInactive
	}
	c.attempts = 0
	c.known = credential.Record{}
	c.scheduler.Cancel()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Stop detaches the coordinator for good, as when its owner closes. The scheduler stops and a
// flight still running settles without saving, re-arming or announcing. The stored session is
// left in place for the next start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.phase = PhaseStopped
	c.scheduler.Cancel()
}

// Status returns the current phase, attempt counter and next scheduled renewal.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, _ := c.scheduler.NextFire()
	return Status{
		Phase:       c.phase,
		Renewing:    c.flying > 0,
		Attempts:    c.attempts,
		NextRenewal: next,
		ExpiresAt:   c.known.ExpiresAt,
	}
}

// Renew returns a renewed record. Callers arriving while a flight is in progress join it and
// receive the same outcome. Cancelling ctx stops the wait, never the flight.
//
// The error is *autherr.RecoverableError while retry budget remains and wraps
// autherr.ErrSessionTerminated once the session is over.
func (c *Coordinator) Renew(ctx context.Context, reason Reason) (credential.Record, error) {
	c.mu.Lock()
	switch c.phase {
	case PhaseTerminated:
		c.mu.Unlock()
		return credential.Record{}, autherr.ErrSessionTerminated
	case PhaseStopped:
		c.mu.Unlock()
		return credential.Record{}, ErrStopped
	}
	epoch := c.epoch
	c.mu.Unlock()

	leader := false
	ch := c.group.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		leader = true
		return c.fly(ctx, epoch, reason)
	})

	select {
	case res := <-ch:
		if !leader {
			FlightsJoinedTotal.Inc()
		}
		if res.Err != nil {
			return credential.Record{}, res.Err
		}
		return res.Val.(credential.Record), nil
	case <-ctx.Done():
		return credential.Record{}, ctx.Err()
	}
}

// Adopt applies a record renewed by another instance. Records not newer than the one this
// coordinator knows are discarded; the provider is never called. It reports whether rec was
// applied.
func (c *Coordinator) Adopt(ctx context.Context, rec credential.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseTerminated || c.phase == PhaseStopped {
		recordExternal(outcomeIgnored)
		return false
	}
	if !rec.NewerThan(c.known) {
		recordExternal(outcomeDiscarded)
		return false
	}

	stored, err := c.store.Load(ctx)
	switch {
	case err == nil && !rec.NewerThan(stored):
		// a shared store already holds it
	case err != nil && !errors.Is(err, credential.ErrNotFound):
		c.logger.Warn("failed to read session before adopting", "error", err)
		fallthrough
	default:
		if err := c.store.Save(ctx, rec); err != nil {
			c.logger.Error("failed to save adopted session", "error", err)
			recordExternal(outcomeFailed)
			return false
		}
	}

	c.phase = PhaseActive
	c.attempts = 0
	c.known = rec
	delay := c.scheduler.Arm(rec.Lifetime())
	recordExternal(outcomeAdopted)
	c.logger.Info("adopted session renewed elsewhere",
		"access_token", credential.Preview(rec.AccessToken),
		"expires_at", rec.ExpiresAt,
		"renew_in", delay,
	)
	return true
}

func (c *Coordinator) preventive() {
	if _, err := c.Renew(context.Background(), ReasonPreventive); err != nil {
		c.logger.Warn("preventive renewal failed", "error", err)
	}
}

// fly is the body of a flight. It runs detached from the caller that started it.
func (c *Coordinator) fly(parent context.Context, epoch uint64, reason Reason) (credential.Record, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.flightTimeout)
	defer cancel()

	c.mu.Lock()
	c.flying++
	startedWith := c.known
	phase := c.phase
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.flying--
		c.mu.Unlock()
	}()

	current, err := c.store.Load(ctx)
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		return c.fail(ctx, epoch, reason, startedWith, fmt.Errorf("load session: %w", err))
	}
	if err != nil || current.RefreshToken == "" {
		if phase != PhaseActive {
			return credential.Record{}, autherr.ErrSessionTerminated
		}
		return c.terminate(ctx, epoch, reason, errors.New("no refresh credential"))
	}

	now := time.Now()
	fresh := !current.NearExpiry(now, c.scheduler.Buffer())
	switch {
	case reason == ReasonPreventive && fresh:
		// a flight that settled after the caller read the store already renewed it
		return c.settle(ctx, epoch, reason, startedWith, current, false)
	case startedWith.AccessToken != "" && current.AccessToken != startedWith.AccessToken &&
		current.NewerThan(startedWith) && fresh:
		// another instance sharing the store renewed first
		return c.settle(ctx, epoch, reason, startedWith, current, false)
	}

	if reason == ReasonPreventive {
		c.notifier.RenewalWarning(current.Remaining(now))
	}

	start := time.Now()
	grant, err := c.provider.Renew(ctx, current.RefreshToken)
	RenewalDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return c.fail(ctx, epoch, reason, startedWith, err)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = current.RefreshToken
	}
	return c.settle(ctx, epoch, reason, startedWith, grant.Record(time.Now()), true)
}

// settle commits a successful flight unless the session changed underneath it. A record renewed
// here is saved and published; one found in a shared store is only taken over.
func (c *Coordinator) settle(
	ctx context.Context,
	epoch uint64,
	reason Reason,
	startedWith credential.Record,
	rec credential.Record,
	publish bool,
) (credential.Record, error) {
	c.mu.Lock()
	if epoch != c.epoch || c.phase == PhaseTerminated {
		stopped := c.phase == PhaseStopped
		c.mu.Unlock()
		recordRenewal(reason, outcomeDiscarded)
		c.logger.Info("discarding renewal of an ended session")
		if stopped {
			return credential.Record{}, ErrStopped
		}
		return credential.Record{}, autherr.ErrSessionTerminated
	}
	if publish {
		if err := c.store.Save(ctx, rec); err != nil {
			c.mu.Unlock()
			return c.fail(ctx, epoch, reason, startedWith, fmt.Errorf("save session: %w", err))
		}
	}
	validity := rec.Lifetime()
	if !publish {
		validity = rec.Remaining(time.Now())
	}
	c.phase = PhaseActive
	c.attempts = 0
	c.known = rec
	delay := c.scheduler.Arm(validity)
	c.mu.Unlock()

	c.logger.Info("session renewed",
		"reason", reason,
		"access_token", credential.Preview(rec.AccessToken),
		"expires_at", rec.ExpiresAt,
		"renew_in", delay,
	)

	if publish {
		recordRenewal(reason, outcomeSuccess)
		if c.publisher != nil {
			if err := c.publisher.Publish(ctx, rec); err != nil {
				c.logger.Warn("failed to announce renewal", "error", err)
			}
		}
	} else {
		recordRenewal(reason, outcomeAdopted)
	}
	c.notifier.RenewalSucceeded()
	return rec, nil
}

// fail counts a failed flight. startedWith is the record known when the flight began; when an
// external renewal was adopted meanwhile, the adopted record is the outcome.
func (c *Coordinator) fail(
	ctx context.Context,
	epoch uint64,
	reason Reason,
	startedWith credential.Record,
	cause error,
) (credential.Record, error) {
	c.mu.Lock()
	if epoch != c.epoch || c.phase == PhaseTerminated {
		stopped := c.phase == PhaseStopped
		c.mu.Unlock()
		recordRenewal(reason, outcomeDiscarded)
		if stopped {
			return credential.Record{}, fmt.Errorf("%w: %w", ErrStopped, cause)
		}
		return credential.Record{}, autherr.Terminated(cause)
	}
	if c.known.NewerThan(startedWith) {
		adopted := c.known
		c.mu.Unlock()
		c.logger.Info("renewal failed but a newer session was adopted", "error", cause)
		return adopted, nil
	}

	c.attempts++
	attempt := c.attempts
	terminal := attempt >= c.maxAttempts ||
		(!c.retryInvalid && errors.Is(cause, autherr.ErrInvalidGrant))
	if terminal {
		c.mu.Unlock()
		return c.terminate(ctx, epoch, reason, cause)
	}
	delay := c.scheduler.RetryIn(c.retryInterval)
	c.mu.Unlock()

	recErr := &autherr.RecoverableError{Attempt: attempt, MaxAttempts: c.maxAttempts, Err: cause}
	recordRenewal(reason, outcomeRecoverable)
	c.logger.Warn("renewal failed",
		"reason", reason,
		"attempt", attempt,
		"max_attempts", c.maxAttempts,
		"retry_in", delay,
		"error", cause,
	)
	c.notifier.Notify(notify.Notice{
		Level:    notify.LevelWarning,
		Title:    "Session renewal failed",
		Message:  fmt.Sprintf("Attempt %d/%d. Retrying in %s.", attempt, c.maxAttempts, delay),
		Duration: 5 * time.Second,
	})
	c.reporter.ReportAuthError(autherr.Classify(cause), recErr)
	return credential.Record{}, recErr
}

// terminate ends the session for good: the store is cleared and no timer stays armed.
func (c *Coordinator) terminate(
	ctx context.Context,
	epoch uint64,
	reason Reason,
	cause error,
) (credential.Record, error) {
	err := autherr.Terminated(cause)

	c.mu.Lock()
	if epoch != c.epoch || c.phase == PhaseTerminated {
		c.mu.Unlock()
		recordRenewal(reason, outcomeDiscarded)
		return credential.Record{}, err
	}
	c.phase = PhaseTerminated
	c.known = credential.Record{}
	c.scheduler.Cancel()
	clearErr := c.store.Clear(ctx)
	c.mu.Unlock()

	if clearErr != nil {
		c.logger.Error("failed to clear terminated session", "error", clearErr)
	}
	recordRenewal(reason, outcomeTerminated)
	c.logger.Error("session terminated", "reason", reason, "error", cause)
	c.notifier.Notify(notify.Notice{
		Level:    notify.LevelError,
		Title:    "Session expired",
		Message:  "Your session has expired. Please sign in again.",
		Duration: notify.Persistent,
	})
	c.reporter.ReportAuthError(autherr.KindSessionTerminated, err)
	if c.onTerminated != nil {
		c.onTerminated(err)
	}
	return credential.Record{}, err
}
