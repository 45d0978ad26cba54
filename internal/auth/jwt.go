package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL publishes the keys Google signs Pub/Sub push tokens with
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// PushVerifierConfig configures OIDC verification of push requests
type PushVerifierConfig struct {
	JWKSURL  string
	Audience string
	// Email is the service account the subscription pushes as. Empty accepts any.
	Email           string
	RefreshInterval time.Duration
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to push deliveries.
// Keys are served from a jwk.Cache that refreshes in the background, so
// verification does no network I/O on the request path.
type PushVerifier struct {
	cfg   PushVerifierConfig
	cache *jwk.Cache
}

// NewPushVerifier registers the JWKS URL and warms the cache
func NewPushVerifier(ctx context.Context, cfg PushVerifierConfig) (*PushVerifier, error) {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = GoogleJWKSURL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	if cfg.Audience == "" {
		return nil, errors.New("push verifier: audience is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{cfg: cfg, cache: cache}, nil
}

// Verify validates the request's bearer token: signature, expiry, audience and
// (when configured) the pushing service account.
func (v *PushVerifier) Verify(r *http.Request) error {
	keySet, err := v.cache.Get(r.Context(), v.cfg.JWKSURL)
	if err != nil {
		return fmt.Errorf("load JWKS: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to parse JWT: %w", err)
	}

	if v.cfg.Email == "" {
		return nil
	}
	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if email != v.cfg.Email {
		return fmt.Errorf("push token email %q does not match", email)
	}
	if verified, ok := token.Get("email_verified"); ok {
		if b, _ := verified.(bool); !b {
			return errors.New("push token email not verified")
		}
	}
	return nil
}
