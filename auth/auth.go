package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrDiscoveryFetch indicates the authorization server metadata could not be
// retrieved. It is not an authentication failure; the next call retries.
var ErrDiscoveryFetch = errors.New("authorization server metadata fetch failed")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// NewUserInfo returns a UserInfo backed by a claims map.
func NewUserInfo(sub string, claims map[string]any) UserInfo {
	return &claimsUserInfo{sub: sub, claims: claims}
}

type claimsUserInfo struct {
	sub    string
	claims map[string]any
}

func (u *claimsUserInfo) UserID() string { return u.sub }
func (u *claimsUserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type accessTokenKey struct{}

// WithAccessToken attaches the caller's verified bearer token to ctx so that
// protocol handlers can call downstream APIs on the caller's behalf.
func WithAccessToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, tok)
}

// AccessTokenFromContext returns the token stored by WithAccessToken.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(accessTokenKey{}).(string)
	return tok, ok && tok != ""
}
