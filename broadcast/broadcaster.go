package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-authgate/tokenkeeper/credential"
	"github.com/go-authgate/tokenkeeper/renewal"
)

// EventTokenRefreshed announces a renewed session record.
const EventTokenRefreshed = "token_refreshed"

// DefaultPublishAttempts bounds Publish retries on transient channel errors.
const DefaultPublishAttempts = 3

// Event is the wire envelope shared by every channel implementation.
type Event struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RefreshedData is the Data of an EventTokenRefreshed event.
type RefreshedData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	UserID       int64  `json:"user_id,omitempty"`
	CompanyID    int64  `json:"company_id,omitempty"`
	Email        string `json:"email,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	Role         string `json:"role,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

func newRefreshedData(rec credential.Record, timestamp int64) RefreshedData {
	return RefreshedData{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		ExpiresIn:    rec.ExpiresIn,
		ExpiresAt:    rec.ExpiresAtMillis(),
		UserID:       rec.UserID,
		CompanyID:    rec.CompanyID,
		Email:        rec.Email,
		FullName:     rec.FullName,
		Role:         rec.Role,
		Timestamp:    timestamp,
	}
}

func (d RefreshedData) record() credential.Record {
	return credential.Record{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		TokenType:    d.TokenType,
		ExpiresIn:    d.ExpiresIn,
		ExpiresAt:    time.UnixMilli(d.ExpiresAt),
		UserID:       d.UserID,
		CompanyID:    d.CompanyID,
		Email:        d.Email,
		FullName:     d.FullName,
		Role:         d.Role,
	}
}

func (d RefreshedData) validate() error {
	switch {
	case d.AccessToken == "":
		return errors.New("missing access_token")
	case d.RefreshToken == "":
		return errors.New("missing refresh_token")
	case d.ExpiresAt <= 0:
		return errors.New("missing expires_at")
	}
	return nil
}

// Broadcaster publishes local renewals on a Channel and hands renewals published by other
// instances to a callback. Each Broadcaster has its own source id and ignores its own events.
type Broadcaster struct {
	channel  Channel
	source   string
	attempts int
	logger   *slog.Logger

	mu     sync.Mutex
	lastTS int64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithPublishAttempts overrides DefaultPublishAttempts.
func WithPublishAttempts(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.attempts = n
		}
	}
}

// WithSource fixes the source id instead of generating one.
func WithSource(source string) Option {
	return func(b *Broadcaster) {
		if source != "" {
			b.source = source
		}
	}
}

func New(channel Channel, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		channel:  channel,
		source:   uuid.NewString(),
		attempts: DefaultPublishAttempts,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Source is the id stamped on every event this broadcaster publishes.
func (b *Broadcaster) Source() string {
	return b.source
}

// Publish announces rec. Transient channel failures are retried with exponential backoff.
func (b *Broadcaster) Publish(ctx context.Context, rec credential.Record) error {
	data, err := json.Marshal(newRefreshedData(rec, b.timestamp()))
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	payload, err := json.Marshal(Event{Type: EventTokenRefreshed, Source: b.source, Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return renewal.Execute(ctx, b.attempts, func(ctx context.Context) error {
		return b.channel.Publish(ctx, payload)
	})
}

// Subscribe invokes onExternal for every renewal published by another broadcaster.
func (b *Broadcaster) Subscribe(onExternal func(credential.Record)) (func(), error) {
	if onExternal == nil {
		return nil, errors.New("callback is required")
	}
	return b.channel.Subscribe(func(payload []byte) {
		b.handle(payload, onExternal)
	})
}

func (b *Broadcaster) handle(payload []byte, onExternal func(credential.Record)) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn("dropping malformed broadcast", "error", err)
		return
	}
	if event.Type != EventTokenRefreshed || event.Source == b.source {
		return
	}

	var data RefreshedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		b.logger.Warn("dropping malformed renewal event", "source", event.Source, "error", err)
		return
	}
	if err := data.validate(); err != nil {
		b.logger.Warn("dropping incomplete renewal event", "source", event.Source, "error", err)
		return
	}

	b.logger.Debug("received renewal from another instance",
		"source", event.Source,
		"access_token", credential.Preview(data.AccessToken),
		"timestamp", data.Timestamp,
	)
	onExternal(data.record())
}

// timestamp returns wall-clock milliseconds, strictly increasing per broadcaster.
func (b *Broadcaster) timestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	return ts
}
