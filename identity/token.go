package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/go-authgate/tokenkeeper/credential"
)

// errorResponse covers both OAuth-style and detail-style error bodies.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Detail           string `json:"detail"`
}

func (e errorResponse) message() string {
	switch {
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.Detail != "":
		return e.Detail
	}
	return e.Error
}

type tokenResponse struct {
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

func (r tokenResponse) grant() credential.Grant {
	return credential.Grant{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresIn:    r.ExpiresIn,
		UserID:       r.UserID,
		CompanyID:    r.CompanyID,
		Email:        r.Email,
		FullName:     r.FullName,
		Role:         r.Role,
	}
}

// validateTokenResponse checks the fields every issued credential must carry.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// token_type is optional, but when present it must be Bearer
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// expiresInFromJWT reads the exp claim of an unverified JWT and returns the whole seconds left
// at now. The signature is not checked: the value only schedules renewal, it grants nothing.
func expiresInFromJWT(token string, now time.Time) (int, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	secs := int(exp.Sub(now) / time.Second)
	if secs <= 0 {
		return 0, false
	}
	return secs, true
}
