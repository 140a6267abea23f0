package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

var _ Authenticator = (*UserInfoAuthenticator)(nil)

// UserInfoOption configures a UserInfoAuthenticator.
type UserInfoOption func(*UserInfoAuthenticator)

// WithUserInfoHTTPClient sets the client used to call the userinfo endpoint.
func WithUserInfoHTTPClient(c *http.Client) UserInfoOption {
	return func(a *UserInfoAuthenticator) { a.client = c }
}

// WithUserInfoLogger sets the logger. If not provided, slog.Default is used.
func WithUserInfoLogger(l *slog.Logger) UserInfoOption {
	return func(a *UserInfoAuthenticator) { a.log = l }
}

// UserInfoAuthenticator verifies bearer tokens by presenting them to the
// identity provider's userinfo endpoint. It fails closed: any error talking
// to the provider is ErrUnauthorized. Results are never cached.
type UserInfoAuthenticator struct {
	meta   *MetadataCache
	client *http.Client
	log    *slog.Logger
}

// NewUserInfoAuthenticator returns an authenticator that resolves the
// userinfo endpoint through meta.
func NewUserInfoAuthenticator(meta *MetadataCache, opts ...UserInfoOption) *UserInfoAuthenticator {
	a := &UserInfoAuthenticator{meta: meta, client: http.DefaultClient, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckAuthentication implements Authenticator. Metadata fetch failures are
// returned wrapped in ErrDiscoveryFetch so the transport can report them as
// server errors; everything else is ErrUnauthorized.
func (a *UserInfoAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	meta, err := a.meta.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrDiscoveryFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if meta.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: identity provider advertises no userinfo_endpoint", ErrUnauthorized)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "auth.userinfo")
	defer span.End()

	provider := (&oidc.ProviderConfig{
		IssuerURL:   meta.Issuer,
		AuthURL:     meta.AuthorizationEndpoint,
		TokenURL:    meta.TokenEndpoint,
		UserInfoURL: meta.UserinfoEndpoint,
		JWKSURL:     meta.JwksURI,
	}).NewProvider(oidc.ClientContext(ctx, a.client))

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
	info, err := provider.UserInfo(oidc.ClientContext(ctx, a.client), ts)
	if err != nil {
		span.SetStatus(codes.Error, "userinfo rejected")
		// Provider detail stays in the logs.
		a.log.InfoContext(ctx, "auth.userinfo.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: userinfo request failed", ErrUnauthorized)
	}

	return &oidcUserInfo{info: info}, nil
}

type oidcUserInfo struct {
	info *oidc.UserInfo
}

func (u *oidcUserInfo) UserID() string       { return u.info.Subject }
func (u *oidcUserInfo) Claims(ref any) error { return u.info.Claims(ref) }
