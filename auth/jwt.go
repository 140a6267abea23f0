package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var _ Authenticator = (*JWTAuthenticator)(nil)

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	audiences   []string
	allowedAlgs []string
	leeway      time.Duration
}

// WithAudience sets the accepted "aud" values. The token must name at least
// one of them. Without this option the audience is not checked.
func WithAudience(aud ...string) JWTOption {
	return func(c *jwtConfig) { c.audiences = append([]string(nil), aud...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtConfig) { c.allowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtConfig) { c.leeway = d }
}

// JWTAuthenticator validates JWT access tokens against the identity
// provider's JWKS. The issuer and jwks_uri come from the metadata cache; the
// key set is loaded on first use and refreshed in the background for as long
// as the constructor's context lives.
type JWTAuthenticator struct {
	ctx  context.Context
	meta *MetadataCache
	cfg  jwtConfig

	mu     sync.Mutex
	issuer string
	kf     keyfunc.Keyfunc
}

// NewJWTAuthenticator returns a JWT access-token authenticator. ctx bounds
// the background JWKS refresh.
func NewJWTAuthenticator(ctx context.Context, meta *MetadataCache, opts ...JWTOption) *JWTAuthenticator {
	cfg := jwtConfig{allowedAlgs: []string{"RS256"}, leeway: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &JWTAuthenticator{ctx: ctx, meta: meta, cfg: cfg}
}

// keys returns the issuer and keyfunc, initializing them on first success.
func (a *JWTAuthenticator) keys(ctx context.Context) (string, keyfunc.Keyfunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.kf != nil {
		return a.issuer, a.kf, nil
	}

	meta, err := a.meta.Get(ctx)
	if err != nil {
		return "", nil, err
	}
	if meta.JwksURI == "" {
		return "", nil, fmt.Errorf("%w: document has no jwks_uri", ErrDiscoveryFetch)
	}
	kf, err := keyfunc.NewDefaultCtx(a.ctx, []string{meta.JwksURI})
	if err != nil {
		return "", nil, fmt.Errorf("%w: jwks init failed: %v", ErrDiscoveryFetch, err)
	}
	a.issuer, a.kf = meta.Issuer, kf
	return a.issuer, a.kf, nil
}

func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	issuer, kf, err := a.keys(ctx)
	if err != nil {
		if errors.Is(err, ErrDiscoveryFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(a.cfg.leeway),
	)

	parsed, err := parser.Parse(tok, kf.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if len(a.cfg.audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(v string) bool { return slices.Contains(a.cfg.audiences, v) }) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return NewUserInfo(sub, claims), nil
}
