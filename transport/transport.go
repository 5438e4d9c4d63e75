// Package transport attaches the managed access credential to outgoing requests and recovers
// from rejected credentials by renewing and replaying once.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/notify"
	"github.com/go-authgate/tokenkeeper/renewal"
)

const (
	networkNoticeDuration = 8 * time.Second
	serverNoticeDuration  = 8 * time.Second
	deniedNoticeDuration  = 5 * time.Second
)

// Renewer renews the session, sharing one flight between concurrent callers.
type Renewer interface {
	Renew(ctx context.Context, reason renewal.Reason) (credential.Record, error)
}

type retriedKey struct{}

// WithRetried marks ctx so that a 401 on a request carrying it is returned as is.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// Options configures a Transport. Store and Renewer are required.
type Options struct {
	Base     http.RoundTripper
	Store    credential.Store
	Renewer  Renewer
	Buffer   time.Duration
	Notifier notify.Notifier
	Reporter notify.ErrorReporter
	Logger   *slog.Logger
}

// Transport is an http.RoundTripper that authenticates requests with the stored credential.
//
// A credential within Buffer of expiry is renewed before the request goes out. A 401 answer
// triggers a single replay with a renewed credential; requests hitting 401 while a renewal is
// in flight wait for it and are replayed once it settles, or fail with its error.
type Transport struct {
	base     http.RoundTripper
	store    credential.Store
	renewer  Renewer
	buffer   time.Duration
	notifier notify.Notifier
	reporter notify.ErrorReporter
	logger   *slog.Logger
}

func New(opts Options) (*Transport, error) {
	if opts.Store == nil {
		return nil, errors.New("transport: store is required")
	}
	if opts.Renewer == nil {
		return nil, errors.New("transport: renewer is required")
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.Buffer <= 0 {
		opts.Buffer = renewal.DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		base:     opts.Base,
		store:    opts.Store,
		renewer:  opts.Renewer,
		buffer:   opts.Buffer,
		notifier: notify.Safe(opts.Notifier, opts.Logger),
		reporter: notify.SafeReporter(opts.Reporter, opts.Logger),
		logger:   opts.Logger,
	}, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	rec, ok, err := t.outgoing(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	out := req.Clone(ctx)
	if ok {
		out.Header.Set("Authorization", rec.AuthorizationHeader())
	}

	resp, err := t.send(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !ok || retried(ctx) {
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Warn("cannot replay request without GetBody", "method", req.Method, "url", req.URL.Redacted())
		recordReplay(replayUnreplayable)
		return resp, nil
	}

	next, err := t.replacement(ctx, rec.AccessToken)
	if err != nil {
		discard(resp)
		recordReplay(replayFailed)
		t.logger.Warn("request rejected and renewal failed", "url", req.URL.Redacted(), "error", err)
		return nil, err
	}

	replayCtx := WithRetried(ctx)
	replay := req.Clone(replayCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			discard(resp)
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		replay.Body = body
	}
	replay.Header.Set("Authorization", next.AuthorizationHeader())
	discard(resp)

	recordReplay(replayReplayed)
	t.logger.Debug("replaying request with renewed credential",
		"url", req.URL.Redacted(),
		"access_token", credential.Preview(next.AccessToken),
	)
	return t.send(replay)
}

// outgoing returns the credential to attach, renewing it first when it is about to expire.
func (t *Transport) outgoing(ctx context.Context) (credential.Record, bool, error) {
	rec, err := t.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			t.logger.Warn("failed to load session, sending unauthenticated", "error", err)
		}
		return credential.Record{}, false, nil
	}

	now := time.Now()
	if !rec.NearExpiry(now, t.buffer) {
		return rec, true, nil
	}

	renewed, err := t.renewer.Renew(ctx, renewal.ReasonPreventive)
	switch {
	case err == nil:
		return renewed, true, nil
	case autherr.IsRecoverable(err) && !rec.Expired(now):
		t.logger.Info("renewal failed, current credential still valid", "remaining", rec.Remaining(now), "error", err)
		return rec, true, nil
	}
	return credential.Record{}, false, err
}

// replacement returns the credential to replay with after sent was rejected. A different
// credential already in the store means another caller renewed meanwhile.
func (t *Transport) replacement(ctx context.Context, sent string) (credential.Record, error) {
	stored, err := t.store.Load(ctx)
	if err == nil && stored.AccessToken != sent && !stored.Expired(time.Now()) {
		recordReplay(replayFromStore)
		return stored, nil
	}
	return t.renewer.Renew(ctx, renewal.ReasonReactive)
}

// send performs one round trip and surfaces the outcome to the user.
func (t *Transport) send(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		err = fmt.Errorf("%w: %w", autherr.ErrNetwork, err)
		t.notifier.Notify(notify.Notice{
			Level:    notify.LevelError,
			Title:    "Connection error",
			Message:  "Could not reach the server. Check your connection.",
			Duration: networkNoticeDuration,
		})
		t.reporter.ReportAuthError(autherr.KindNetworkError, err)
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		t.notifier.Notify(notify.Notice{
			Level:    notify.LevelError,
			Title:    "Access denied",
			Message:  "You do not have permission to perform this action.",
			Duration: deniedNoticeDuration,
		})
		t.reporter.ReportAuthError(autherr.KindUnauthorized,
			fmt.Errorf("%w: %s %s", autherr.ErrPermissionDenied, req.Method, req.URL.Redacted()))
	case resp.StatusCode >= http.StatusInternalServerError:
		t.notifier.Notify(notify.Notice{
			Level:    notify.LevelError,
			Title:    "Server error",
			Message:  "The server failed to process the request. Try again shortly.",
			Duration: serverNoticeDuration,
		})
		t.reporter.ReportAuthError(autherr.KindNetworkError,
			fmt.Errorf("server error %d: %s %s", resp.StatusCode, req.Method, req.URL.Redacted()))
	}
	return resp, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// closeBody honours the RoundTripper contract of closing the body on error.
func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
