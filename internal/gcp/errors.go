package gcp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionInitiation is returned when a resumable upload session could
	// not be opened.
	ErrSessionInitiation = errors.New("gcs: session initiation failed")

	// ErrUploadFailed is returned when the archive transfer to an open session
	// did not succeed.
	ErrUploadFailed = errors.New("gcs: upload failed")
)

// AuthError reports a failed token exchange.
type AuthError struct {
	TokenURL string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization against %s failed: %v", e.TokenURL, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
