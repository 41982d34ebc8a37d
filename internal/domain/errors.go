package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrNotFound                = errors.New("record not found")
	ErrInvalidInput            = errors.New("invalid input")
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrIdentityMismatch        = errors.New("claimed uid does not match verified identity")
	ErrAffiliateCodeInvalid    = errors.New("affiliate code is not valid")
	ErrAffiliateCodeAlreadySet = errors.New("user already has an affiliate code")
)

// ProviderError wraps a failed call to the billing provider.
// StatusCode is zero for network level failures.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("billing provider unreachable: %v", e.Err)
	}
	return fmt.Sprintf("billing provider returned %d: %v", e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same request can never succeed
// (unknown token, malformed request, purchase gone, unreadable response).
func (e *ProviderError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
