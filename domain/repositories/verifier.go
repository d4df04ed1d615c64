package repositories

import "context"

// TokenVerifier abstracts the identity collaborator. Verify returns the user
// identifier bound to a valid access token.
type TokenVerifier interface {
	Verify(ctx context.Context, accessToken string) (userID string, err error)
}
