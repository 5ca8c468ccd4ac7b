package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/phiwazulumoh/cop/pkg/api"
)

// Identity is what a verified token asserts about its holder.
type Identity struct {
	UID   string
	Email string
}

// tokenClaims extends jwt.RegisteredClaims with the identity fields the
// auth provider embeds.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Verifier confirms that a stored bearer token is still valid and belongs to
// the expected user, using the auth provider's published JWKS. Confirmation
// happens locally; no round trip per check after the key set is cached.
type Verifier struct {
	jwks      *keyfunc.JWKS
	issuerURL string
	logger    *slog.Logger
}

// NewVerifier fetches and caches the JWKS from the auth provider. The
// provider may still be starting, so the initial fetch retries.
func NewVerifier(jwksURL, issuerURL string, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { logger.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		logger.Info("waiting for auth provider JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	logger.Info("JWKS loaded", "jwks_url", jwksURL)

	return &Verifier{
		jwks:      jwks,
		issuerURL: issuerURL,
		logger:    logger,
	}, nil
}

// Confirm validates the session's token and checks that its subject matches
// the session's user id. Any failure is an *api.AuthError: a rejected or
// mismatched token is fatal for the session, never retried.
func (v *Verifier) Confirm(sess *Session) (*Identity, error) {
	if !sess.Authenticated() {
		return nil, &api.AuthError{Reason: "no session to confirm"}
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(sess.Token, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, &api.AuthError{Reason: fmt.Sprintf("token validation failed: %v", err)}
	}
	if !token.Valid {
		return nil, &api.AuthError{Reason: "token is not valid"}
	}

	if claims.Subject != sess.User.UID {
		// Stored identity and token disagree, e.g. sign-out elsewhere raced
		// with this client.
		return nil, &api.AuthError{
			Reason: fmt.Sprintf("token subject %q does not match session user %q", claims.Subject, sess.User.UID),
		}
	}

	return &Identity{UID: claims.Subject, Email: claims.Email}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *Verifier) Close() {
	v.jwks.EndBackground()
}
