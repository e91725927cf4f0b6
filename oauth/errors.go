package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on. All of them require user action rather
// than a retry: re-running the authorization flow or fixing configuration.
var (
	// ErrNoToken means no token set is stored for the user.
	ErrNoToken = errors.New("no stored token; user must authenticate")

	// ErrNoRefreshToken means the stored token set cannot be refreshed.
	ErrNoRefreshToken = errors.New("stored token has no refresh token; user must re-authenticate")

	// ErrMissingState means a PKCE callback arrived without an oauth state.
	ErrMissingState = errors.New("missing oauth state parameter")

	// ErrVerifierExpired means no PKCE verifier is stored for the state:
	// the flow expired, was never started, or already completed.
	ErrVerifierExpired = errors.New("pkce verifier not found for state; restart the authorization flow")
)

// RefreshError wraps a provider or transport failure during token refresh.
// Code carries the provider error code (e.g. "invalid_grant") when one was
// returned, letting callers distinguish revoked grants from transient
// network failures.
type RefreshError struct {
	Code string
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token refresh failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
