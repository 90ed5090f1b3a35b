package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ctxOperatorKey contextKey = "operator"

const operatorRole = "operator"

type operatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueOperatorToken mints an HS256 bearer token for the management API.
func IssueOperatorToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("operator secret is not configured")
	}
	now := time.Now()
	c := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: operatorRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// ValidateOperatorToken returns the token subject when it is a valid,
// unexpired operator token signed with secret.
func ValidateOperatorToken(secret []byte, token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &operatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	c, ok := tok.Claims.(*operatorClaims)
	if !ok || !tok.Valid || c.Role != operatorRole {
		return "", errors.New("invalid token")
	}
	return c.Subject, nil
}

// OperatorAuth guards management endpoints with an operator bearer token.
// An empty secret disables the check.
func OperatorAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			subject, err := ValidateOperatorToken(secret, raw)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxOperatorKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromCtx returns the authenticated operator subject, or "".
func OperatorFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxOperatorKey).(string)
	return s
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
