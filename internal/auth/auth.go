package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TriggerAudience is the aud claim expected on trigger JWTs
const TriggerAudience = "inbox-sync"

var (
	ErrMissingCredential = errors.New("missing authorization header")
	ErrInvalidCredential = errors.New("invalid credential")
)

// TriggerAuthenticator protects the internal task and connection endpoints.
// A caller presents either the shared secret itself or an HS256 JWT signed with it.
type TriggerAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewTriggerAuthenticator(secret string) *TriggerAuthenticator {
	return &TriggerAuthenticator{secret: []byte(secret), now: time.Now}
}

// Authenticate checks an Authorization header value
func (a *TriggerAuthenticator) Authenticate(header string) error {
	if len(a.secret) == 0 {
		return ErrInvalidCredential
	}
	cred, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || cred == "" {
		return ErrMissingCredential
	}

	if subtle.ConstantTimeCompare([]byte(cred), a.secret) == 1 {
		return nil
	}
	// a JWT has exactly two dots; anything else is a wrong shared secret
	if strings.Count(cred, ".") != 2 {
		return ErrInvalidCredential
	}

	_, err := jwt.Parse(cred, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(TriggerAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return errors.Join(ErrInvalidCredential, err)
	}
	return nil
}

// IssueToken signs a short-lived trigger JWT, used by the CLI when calling a remote server
func (a *TriggerAuthenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{TriggerAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}
