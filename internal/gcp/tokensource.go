package gcp

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts an AuthProvider to oauth2.TokenSource so Google API
// clients share its token.
type tokenSource struct {
	ctx  context.Context
	auth *AuthProvider
}

// NewTokenSource returns an oauth2.TokenSource backed by auth. A token is
// obtained on first use; expiry is reported so the client can ask again.
func NewTokenSource(ctx context.Context, auth *AuthProvider) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, auth: auth}
}

// Token implements oauth2.TokenSource.
func (t *tokenSource) Token() (*oauth2.Token, error) {
	current := t.auth.Token()
	if current == nil || !current.ExpiresAt.After(t.auth.now()) {
		if err := t.auth.Authorize(t.ctx); err != nil {
			return nil, err
		}
		current = t.auth.Token()
	}
	return &oauth2.Token{
		AccessToken: current.Bearer,
		TokenType:   "Bearer",
		Expiry:      current.ExpiresAt,
	}, nil
}
