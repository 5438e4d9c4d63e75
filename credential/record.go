// Package credential holds the session record and the stores that persist it.
package credential

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Store.Load when no session record exists.
var ErrNotFound = errors.New("session record not found")

// Grant is a credential pair plus identity, as issued by the identity provider on login or
// renewal.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       int64  `json:"user_id"`
	CompanyID    int64  `json:"company_id"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
}

// Record builds the persisted session record, fixing the expiry instant relative to now.
func (g Grant) Record(now time.Time) Record {
	return Record{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    g.TokenType,
		ExpiresIn:    g.ExpiresIn,
		ExpiresAt:    now.Add(time.Duration(g.ExpiresIn) * time.Second).Truncate(time.Millisecond),
		UserID:       g.UserID,
		CompanyID:    g.CompanyID,
		Email:        g.Email,
		FullName:     g.FullName,
		Role:         g.Role,
	}
}

// Record is the session record. Values are immutable; a renewal produces a new Record.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       int64     `json:"user_id,omitempty"`
	CompanyID    int64     `json:"company_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	Role         string    `json:"role,omitempty"`
}

// ExpiresAtMillis returns the expiry instant as milliseconds since the Unix epoch.
func (r Record) ExpiresAtMillis() int64 {
	return r.ExpiresAt.UnixMilli()
}

// Lifetime is the validity window the record was issued with.
func (r Record) Lifetime() time.Duration {
	return time.Duration(r.ExpiresIn) * time.Second
}

func (r Record) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NearExpiry reports whether the record expires within buffer of now.
func (r Record) NearExpiry(now time.Time, buffer time.Duration) bool {
	return r.Remaining(now) <= buffer
}

// NewerThan compares expiry instants at millisecond resolution.
func (r Record) NewerThan(other Record) bool {
	return r.ExpiresAtMillis() > other.ExpiresAtMillis()
}

// AuthorizationHeader renders the value for the Authorization request header.
func (r Record) AuthorizationHeader() string {
	return HeaderValue(r.TokenType, r.AccessToken)
}

// HeaderValue renders an Authorization header value, defaulting to the Bearer scheme.
func HeaderValue(tokenType, accessToken string) string {
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + accessToken
}

// Preview returns a log-safe prefix of a token.
func Preview(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
