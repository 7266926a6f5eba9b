// Package auth guards the admin API with HS256 bearer tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/metrics"
)

// Issuer is stamped on every token and required on validation.
const Issuer = "mediastore"

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrNotAdmin     = errors.New("admin access required")
)

type claimsKey struct{}

// Claims identifies the operator behind a request.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Auth issues and checks tokens signed with a shared secret.
type Auth struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// New creates an Auth for jwtSecret.
func New(jwtSecret string) *Auth {
	a := &Auth{secret: []byte(jwtSecret), now: time.Now}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a
}

// Middleware only lets admin tokens through. Missing or invalid tokens get
// 401; valid tokens without the admin flag get 403.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.authenticate(r)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			code := http.StatusUnauthorized
			if errors.Is(err, ErrNotAdmin) {
				code = http.StatusForbidden
				logging.Warn("non-admin token rejected",
					zap.String("username", claims.Username),
					zap.String("path", r.URL.Path))
			}
			sendAuthError(w, code, err.Error())
			return
		}
		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Auth) authenticate(r *http.Request) (*Claims, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims, err := a.ValidateToken(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !claims.IsAdmin {
		return claims, ErrNotAdmin
	}
	return claims, nil
}

// GetClaims returns the claims Middleware stored on ctx, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// IssueToken signs a token for username valid for ttl and returns it with
// its expiry.
func (a *Auth) IssueToken(username string, isAdmin bool, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken checks signature, algorithm, expiry and issuer.
func (a *Auth) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// bearerToken reads the Authorization header, falling back to ?token= for
// EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": message, "code": code})
}
