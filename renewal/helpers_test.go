package renewal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/notify"
)

// fakeProvider issues access-token-<n> on the n-th call. A non-nil gate holds every call until
// it is closed.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
	seen  []string
}

func (p *fakeProvider) Renew(ctx context.Context, refreshToken string) (credential.Grant, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	gate := p.gate
	failure := p.err
	p.seen = append(p.seen, refreshToken)
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return credential.Grant{}, ctx.Err()
		}
	}
	if failure != nil {
		return credential.Grant{}, failure
	}
	return credential.Grant{
		AccessToken:  fmt.Sprintf("access-token-%d", n),
		RefreshToken: fmt.Sprintf("refresh-token-%d", n),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) refreshTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type recordingNotifier struct {
	mu        sync.Mutex
	warnings  []time.Duration
	successes int
	notices   []notify.Notice
}

func (n *recordingNotifier) RenewalWarning(remaining time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, remaining)
}

func (n *recordingNotifier) RenewalSucceeded() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes++
}

func (n *recordingNotifier) Notify(notice notify.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) counts() (warnings, successes int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.warnings), n.successes
}

func (n *recordingNotifier) last() notify.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return notify.Notice{}
	}
	return n.notices[len(n.notices)-1]
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []credential.Record
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, rec credential.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

func (p *recordingPublisher) published() []credential.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]credential.Record(nil), p.records...)
}

type harness struct {
	store     *credential.MemoryStore
	provider  *fakeProvider
	publisher *recordingPublisher
	notifier  *recordingNotifier
	scheduler *Scheduler
	coord     *Coordinator

	mu         sync.Mutex
	terminated []error
}

func (h *harness) terminations() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.terminated...)
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:     credential.NewMemoryStore(),
		provider:  &fakeProvider{},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		scheduler: NewScheduler(DefaultBuffer, DefaultMinDelay),
	}
	opts := Options{
		Store:        h.store,
		Provider:     h.provider,
		Publisher:    h.publisher,
		Scheduler:    h.scheduler,
		Notifier:     h.notifier,
		OnTerminated: func(err error) {
			h.mu.Lock()
			h.terminated = append(h.terminated, err)
			h.mu.Unlock()
		},
	}
	for _, fn := range configure {
		fn(&opts)
	}

	coord, err := NewCoordinator(opts)
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(h.scheduler.Cancel)
	return h
}

func loginRecord(expiresIn int) credential.Record {
	return credential.Grant{
		AccessToken:  "access-token-login",
		RefreshToken: "refresh-token-login",
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}.Record(time.Now())
}

func errTransient() error {
	return fmt.Errorf("%w: connection reset", autherr.ErrNetwork)
}
