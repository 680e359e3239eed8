// Package pkg holds small utilities shared across the server.
// This file defines the domain-level errors.
//
// Errors are plain values in Go. Declaring them once with errors.New lets
// callers compare by identity instead of by string:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
package pkg

import "errors"

// Domain-level errors.
// Services return them (usually wrapped with fmt.Errorf("%w: ...")),
// the handler layer maps them to HTTP status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrBadRequest      = errors.New("bad request")
	ErrTooManyRequests = errors.New("too many requests")
	ErrInternal        = errors.New("internal error")
)
