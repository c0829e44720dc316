package core

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned by a KeyResolver when the authorization source
// has no record of the key (unknown or revoked). Transport failures are
// reported as a ResolverError instead.
var ErrInvalidKey = errors.New("invalid API key")

// ResolverError wraps a transport-level failure while querying the
// authorization source.
type ResolverError struct {
	Fingerprint string
	Err         error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("key resolution failed for %s: %v", e.Fingerprint, e.Err)
}

func (e *ResolverError) Unwrap() error {
	return e.Err
}
