package sync

import (
	"errors"
	"fmt"
)

var (
	// session lifecycle
	ErrNotConnected     = errors.New("sync: session not connected")
	ErrAlreadyConnected = errors.New("sync: session already connected")
	ErrTransportClosed  = errors.New("sync: transport closed")

	// connect phase
	ErrHandshakeFailed  = errors.New("sync: handshake failed")
	ErrTokenFetchFailed = errors.New("sync: token fetch failed")

	// steady state
	ErrSyncFailed = errors.New("sync: sync failed")

	// merge
	ErrBusy = errors.New("sync: merge lease already held for subtree")
)

// TokenFetchError is returned when the token endpoint answers non-200.
// It matches ErrTokenFetchFailed under errors.Is.
type TokenFetchError struct {
	Status int
}

func (e *TokenFetchError) Error() string {
	return fmt.Sprintf("sync: token fetch failed: http %d", e.Status)
}

func (e *TokenFetchError) Is(target error) bool {
	return target == ErrTokenFetchFailed
}
