// ABOUTME: Authenticated account carried through request handlers
// ABOUTME: Provides WithAccount/FromContext for propagating the account via context

package auth

import (
	"context"

	"github.com/2389/wap-gateway/internal/account"
)

// accountContextKey is the key type for storing the account in context.Context.
type accountContextKey struct{}

// WithAccount returns a new context with the authenticated account attached.
func WithAccount(ctx context.Context, acct account.Config) context.Context {
	return context.WithValue(ctx, accountContextKey{}, acct)
}

// FromContext retrieves the authenticated account. ok is false when the
// request did not pass AccountMiddleware.
func FromContext(ctx context.Context) (account.Config, bool) {
	acct, ok := ctx.Value(accountContextKey{}).(account.Config)
	return acct, ok
}
