package client

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a single item the repository reports as absent. The
// single-entity layer converts this into an explicit absence value.
var ErrNotFound = errors.New("not found in repository")

// AuthError means the remote side rejected our signed token.
type AuthError struct {
	Excerpt string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("repository rejected the request token: %s", e.Excerpt)
}

// UpstreamError is any other non-success response. Single item paths
// propagate it, batch paths downgrade it to an empty result.
type UpstreamError struct {
	Status  int
	Path    string
	Excerpt string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("repository returned %d for %s: %s", e.Status, e.Path, e.Excerpt)
}
