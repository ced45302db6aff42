package httpserver

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the issuer of control tokens.
const TokenIssuer = "nostr-signing-agent"

// ControlAuth guards the control and approval endpoints. With a secret, every
// call needs an HS256 bearer token signed with it. Without one, only loopback
// connections are served.
type ControlAuth struct {
	secret []byte
	ttl    time.Duration
}

func NewControlAuth(secret []byte, ttl time.Duration) *ControlAuth {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ControlAuth{secret: secret, ttl: ttl}
}

// IssueToken returns a control token for subject and its expiry.
func (a *ControlAuth) IssueToken(subject string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("no control secret configured")
	}

	now := time.Now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        randomJTI(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return token, exp, err
}

// Validate checks a control token and returns its subject.
func (a *ControlAuth) Validate(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithIssuer(TokenIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// Middleware rejects requests that are not authorized to use the control API.
func (a *ControlAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			if !isLoopback(r.RemoteAddr) {
				http.Error(w, "control API is only served on loopback", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := a.Validate(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken reads the Authorization header, or the token query parameter
// for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func randomJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
