package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/broadcast"
	"github.com/go-authgate/tokenkeeper/credential"
)

// fakeProvider issues <prefix>-access-<n> on the n-th call. A non-nil gate holds every call
// until it is closed.
type fakeProvider struct {
	prefix string

	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
}

func (p *fakeProvider) Renew(ctx context.Context, _ string) (credential.Grant, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	gate := p.gate
	failure := p.err
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
		AccessToken:  fmt.Sprintf("%s-access-%d", p.prefix, n),
		RefreshToken: fmt.Sprintf("%s-refresh-%d", p.prefix, n),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) hold() chan struct{} {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	return gate
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingAPI stands in for the API server without leaving the process. It answers 401
// unless the request carries the bearer token set with accept.
type recordingAPI struct {
	mu       sync.Mutex
	accepted string
	seen     []string
}

func (a *recordingAPI) accept(token string) {
	a.mu.Lock()
	a.accepted = token
	a.mu.Unlock()
}

func (a *recordingAPI) RoundTrip(req *http.Request) (*http.Response, error) {
	auth := req.Header.Get("Authorization")
	a.mu.Lock()
	a.seen = append(a.seen, auth)
	accepted := a.accepted
	a.mu.Unlock()

	status := http.StatusOK
	if accepted != "" && auth != "Bearer "+accepted {
		status = http.StatusUnauthorized
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Request:    req,
	}, nil
}

func (a *recordingAPI) authorizations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

type instance struct {
	manager  *Manager
	store    *credential.MemoryStore
	provider *fakeProvider
	api      *recordingAPI

	mu         sync.Mutex
	terminated []error
}

func (i *instance) terminations() []error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]error(nil), i.terminated...)
}

// newInstance builds a Manager over in-memory fakes, attached to hub when non-nil. Callers
// close the manager themselves so its goroutines end inside a synctest bubble.
func newInstance(t *testing.T, name string, hub *broadcast.Hub, configure ...func(*Options)) *instance {
	t.Helper()

	i := &instance{
		store:    credential.NewMemoryStore(),
		provider: &fakeProvider{prefix: name},
		api:      &recordingAPI{},
	}
	opts := Options{
		Store:    i.store,
		Provider: i.provider,
		Base:     i.api,
		OnTerminated: func(err error) {
			i.mu.Lock()
			i.terminated = append(i.terminated, err)
			i.mu.Unlock()
		},
	}
	if hub != nil {
		opts.Channel = hub.Channel()
	}
	for _, fn := range configure {
		fn(&opts)
	}

	m, err := New(opts)
	require.NoError(t, err)
	i.manager = m
	return i
}

func (i *instance) get(t *testing.T) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/api/v1/users/me", nil)
	require.NoError(t, err)
	resp, err := i.manager.HTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func loginGrant(expiresIn int) credential.Grant {
	return credential.Grant{
		AccessToken:  "access-token-login",
		RefreshToken: "refresh-token-login",
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		UserID:       42,
		Email:        "user@example.com",
	}
}

func errTransient() error {
	return fmt.Errorf("%w: connection reset", autherr.ErrNetwork)
}

func storedRecord(expiresIn, remaining time.Duration) credential.Record {
	return credential.Record{
		AccessToken:  "access-token-stored",
		RefreshToken: "refresh-token-stored",
		TokenType:    "Bearer",
		ExpiresIn:    int(expiresIn / time.Second),
		ExpiresAt:    time.Now().Add(remaining).Truncate(time.Millisecond),
	}
}
