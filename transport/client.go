package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-authgate/tokenkeeper/autherr"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Detail string
	Code   string
	Field  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error %d", e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Field != "" {
		msg += " [field " + e.Field + "]"
	}
	return msg
}

// Unwrap lets errors.Is match 401 and 403 answers against the autherr sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return autherr.ErrUnauthorized
	case http.StatusForbidden:
		return autherr.ErrPermissionDenied
	}
	return nil
}

// errorBody accepts a plain detail string or a list of validation issues.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Code   string          `json:"code"`
	Field  string          `json:"field"`
}

type validationIssue struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Detail = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = eb.Code
	apiErr.Field = eb.Field

	var detail string
	var issues []validationIssue
	switch {
	case json.Unmarshal(eb.Detail, &detail) == nil:
		apiErr.Detail = detail
	case json.Unmarshal(eb.Detail, &issues) == nil && len(issues) > 0:
		apiErr.Detail = issues[0].Msg
		if n := len(issues[0].Loc); n > 0 && apiErr.Field == "" {
			apiErr.Field = fmt.Sprint(issues[0].Loc[n-1])
		}
	}
	return apiErr
}

// Client is a small JSON client over an authenticated *http.Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Do sends in as JSON (when non-nil) and decodes a 2xx answer into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrSessionTerminated),
			errors.Is(err, autherr.ErrNetwork),
			autherr.IsRecoverable(err),
			ctx.Err() != nil:
			return err
		}
		return fmt.Errorf("%w: %w", autherr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", autherr.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Get is Do with GET and no request body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}
