package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	scopeConnect        = "sync:connect"
	scopePresenceRead   = "presence:read"
	scopeDocumentsRead  = "documents:read"
	scopeDocumentsWrite = "documents:write"
	scopeAdminRead      = "admin:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    int64
}

// scopeList accepts either a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a string or an array of strings")
	}
	*s = strings.Fields(joined)
	return nil
}

type accessClaims struct {
	Scopes scopeList `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return authorizeToken(raw, jwtSecret, audience, requiredScope, now)
}

func authorizeToken(raw, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseToken(raw, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	scopes := map[string]struct{}{}
	for _, scope := range claims.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{
		UserID: userID,
		Scopes: scopes,
		Exp:    claims.ExpiresAt.Unix(),
	}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid token"
	}
}

// socketToken reads the bearer token from the Authorization header or,
// for browser clients that cannot set headers on an upgrade, from the
// access_token query parameter.
func socketToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal request outside replay window"}
	}

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(signInternal(secret, timestamp, body))) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}

// signInternal is the hex HMAC-SHA256 of "timestamp\nbody" that CRUD
// handlers attach as X-Relay-Signature.
func signInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
