// Package identity talks to the identity provider: password login and refresh-credential
// exchange.
package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"

	"github.com/go-authgate/tokenkeeper/autherr"
	"github.com/go-authgate/tokenkeeper/credential"
)

const (
	LoginPath   = "/api/v1/login"
	RefreshPath = "/api/v1/refresh"

	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
)

// Client calls the identity provider endpoints.
type Client struct {
	baseURL     string
	retryClient *retry.Client
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient  *http.Client
	retryClient *retry.Client
	logger      *slog.Logger
}

// WithHTTPClient sets the HTTP client wrapped by the default retry policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithRetryClient replaces the retry client entirely.
func WithRetryClient(rc *retry.Client) Option {
	return func(o *clientOptions) { o.retryClient = rc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// New returns a client for the identity provider at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if err := ValidateServerURL(baseURL); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.retryClient == nil {
		if o.httpClient == nil {
			o.httpClient = defaultHTTPClient()
		}
		rc, err := retry.NewBackgroundClient(retry.WithHTTPClient(o.httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		o.retryClient = rc
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		retryClient: o.retryClient,
		logger:      o.logger,
		now:         time.Now,
	}, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// ValidateServerURL checks that rawURL is an absolute http(s) URL.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// Login exchanges user credentials for a grant.
func (c *Client) Login(ctx context.Context, username, password string) (credential.Grant, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("username", username)
	data.Set("password", password)

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.baseURL+LoginPath,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	grant, err := c.exchange(reqCtx, req)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.Is(err, autherr.ErrInvalidGrant) ||
			(errors.As(err, &rErr) && rErr.Response.StatusCode == http.StatusUnauthorized) {
			return credential.Grant{}, fmt.Errorf("%w: invalid username or password", autherr.ErrUnauthorized)
		}
		return credential.Grant{}, fmt.Errorf("login failed: %w", err)
	}

	c.logger.Info("logged in", "user_id", grant.UserID, "expires_in", grant.ExpiresIn)
	return grant, nil
}

// Renew exchanges refreshToken for a new grant. When the provider does not rotate the refresh
// credential, the grant carries refreshToken again.
func (c *Client) Renew(ctx context.Context, refreshToken string) (credential.Grant, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return credential.Grant{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.baseURL+RefreshPath,
		bytes.NewReader(body),
	)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	grant, err := c.exchange(reqCtx, req)
	if err != nil {
		return credential.Grant{}, err
	}

	// Handle refresh token rotation modes:
	// - Rotation mode: server returns a new refresh_token
	// - Fixed mode: server omits it and the old one stays valid
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

// exchange sends req and decodes a token response.
func (c *Client) exchange(ctx context.Context, req *http.Request) (credential.Grant, error) {
	resp, err := c.retryClient.DoWithContext(ctx, req)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("%w: %w", autherr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("%w: failed to read response: %w", autherr.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return credential.Grant{}, parseErrorResponse(resp, body)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return credential.Grant{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.ExpiresIn <= 0 {
		if secs, ok := expiresInFromJWT(tokenResp.AccessToken, c.now()); ok {
			tokenResp.ExpiresIn = secs
		}
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return credential.Grant{}, fmt.Errorf("invalid token response: %w", err)
	}

	return tokenResp.grant(), nil
}

// parseErrorResponse maps a non-200 reply. A rejected grant becomes autherr.ErrInvalidGrant;
// anything else is an *oauth2.RetrieveError.
func parseErrorResponse(resp *http.Response, body []byte) error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		if errResp.Error == "invalid_grant" || errResp.Error == "invalid_token" {
			return fmt.Errorf("%w: %s", autherr.ErrInvalidGrant, errResp.message())
		}
	}

	return &oauth2.RetrieveError{
		Response:         resp,
		Body:             body,
		ErrorCode:        errResp.Error,
		ErrorDescription: errResp.message(),
	}
}
