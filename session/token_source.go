package session

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource exposes the managed credential to code built on golang.org/x/oauth2. Each Token
// call returns the stored credential, renewed through the shared flight when it is near
// expiry.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, manager: m}
}

type tokenSource struct {
	ctx     context.Context
	manager *Manager
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.manager.usable(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		TokenType:    rec.TokenType,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.ExpiresAt,
	}, nil
}
