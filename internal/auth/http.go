// ABOUTME: Per-account bearer token authentication for the WebSocket handshake and HTTP endpoints
// ABOUTME: Resolves the account from the request and adds it to the request context

package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/wap-gateway/internal/account"
)

// AccountHeader names the account when the accountId query parameter is absent.
const AccountHeader = "X-WAP-Account-ID"

var (
	// ErrUnauthorized means the token is missing, not configured or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccountDisabled means the account exists but is switched off.
	ErrAccountDisabled = errors.New("account disabled")
)

// Resolver returns the effective configuration of an account.
type Resolver func(accountID string) account.Config

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AccountID reads the account id from the accountId query parameter, then the
// X-WAP-Account-ID header, defaulting to "default".
func AccountID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("accountId")); id != "" {
		return id
	}
	return account.NormalizeID(r.Header.Get(AccountHeader))
}

// TokenMatches compares a presented token to the configured one in constant
// time. An unconfigured token never matches.
func TokenMatches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// Authenticate checks the request's bearer token against acct. A disabled
// account is reported before the token is looked at.
func Authenticate(acct account.Config, r *http.Request) error {
	if !acct.Enabled {
		return ErrAccountDisabled
	}
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return ErrUnauthorized
	}
	if !TokenMatches(acct.AuthToken, token) {
		return ErrUnauthorized
	}
	return nil
}

// AccountMiddleware authenticates the request against its account and adds
// the resolved account to the context. Failures answer 401 or 403 as JSON.
func AccountMiddleware(resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct := resolve(AccountID(r))
			if err := Authenticate(acct, r); err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, ErrAccountDisabled) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error":"account disabled"}`))
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"ok":false,"error":"unauthorized"}`))
}
