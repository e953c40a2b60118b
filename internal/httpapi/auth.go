package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAudience = "prunebox"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Scopes any `json:"scopes"`
	jwt.RegisteredClaims
}

type principal struct {
	Subject string
	Scopes  map[string]struct{}
}

// bearerFrom reads the Authorization header, falling back to an
// access_token query parameter for browsers opening a WebSocket.
func bearerFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("access_token")); tok != "" {
		return "Bearer " + tok
	}
	return ""
}

func authorizeBearer(authHeader, jwtSecret, audience, requiredScope string, now time.Time) (principal, *authError) {
	p, err := parseBearer(authHeader, jwtSecret, audience, now)
	if err != nil {
		return principal{}, err
	}
	if requiredScope != "" {
		if _, ok := p.Scopes[requiredScope]; !ok {
			return principal{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return p, nil
}

func parseBearer(authHeader, jwtSecret, audience string, now time.Time) (principal, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return principal{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims tokenClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		msg := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			msg = "invalid jwt format"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			msg = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			msg = "unsupported jwt algorithm"
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			msg = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			msg = "invalid aud claim"
		}
		return principal{}, &authError{status: 401, code: "unauthorized", message: msg}
	}

	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return principal{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	subject := claims.Subject
	if subject == "" {
		subject = "anonymous"
	}
	return principal{Subject: subject, Scopes: scopes}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// IssueToken signs a token for the dialog API. The CLI prints one for
// operators answering dialogs from a browser.
func IssueToken(secret, audience, subject string, scopes []string, ttl time.Duration) (string, error) {
	if audience == "" {
		audience = defaultAudience
	}
	now := time.Now()
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
