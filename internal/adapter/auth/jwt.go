package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/domain"
)

const (
	MinSecretLength = 32
	tokenQueryParam = "token"
)

var ErrWeakSecret = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)

// Claims is the token body. The subject is the user id.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256 tokens from the Authorization header or,
// for browser clients that cannot set headers on a websocket, the "token"
// query parameter.
type JWTAuthenticator struct {
	secret []byte
	clock  clockwork.Clock
}

func NewJWTAuthenticator(secret string, clock clockwork.Clock) (*JWTAuthenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTAuthenticator{secret: []byte(secret), clock: clock}, nil
}

// Issue signs a token for id that expires after ttl.
func (a *JWTAuthenticator) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Roles: id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return domain.Anonymous(), nil
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Anonymous(), unauthenticated("token expired", nil)
		}
		return domain.Anonymous(), unauthenticated("invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return domain.Anonymous(), unauthenticated("token has no subject", nil)
	}
	return domain.Identity{UserID: claims.Subject, Roles: claims.Roles}, nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(tokenQueryParam)
}
