// Package auth authenticates devices and HTTP callers against per-account
// bearer tokens.
//
// # Account Selection
//
// Every request names its account with the accountId query parameter or the
// X-WAP-Account-ID header. Without either it targets the "default" account.
//
// # Token Check
//
// The token is sent as "Authorization: Bearer <token>" and compared in
// constant time with the account's configured auth_token. An account without
// a configured token rejects every request. A disabled account is rejected
// before its token is checked:
//
//	err := auth.Authenticate(acct, r) // ErrAccountDisabled or ErrUnauthorized
//
// # HTTP Middleware
//
// AccountMiddleware runs the same check for HTTP endpoints and stores the
// resolved account in the request context:
//
//	r.With(auth.AccountMiddleware(resolve)).Get("/api/clients", handler)
//	acct, ok := auth.FromContext(r.Context())
package auth
