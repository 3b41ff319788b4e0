// Package services implements the control plane behind the HTTP API and the
// Telegram bot.
package services

import (
	"errors"
	"fmt"
)

// Error kinds mapped to HTTP status codes by the transport.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

// ServiceError is a client-facing failure of a known kind.
type ServiceError struct {
	Kind    error
	Message string
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &ServiceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
