// Package common defines shared constants and sentinel errors used across
// client and server layers of chunkrelay. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")
	ErrStorage  = errors.New("storage error")

	// Local input errors. Never retried.
	ErrInvalidInput  = errors.New("invalid input")
	ErrConfiguration = errors.New("configuration error")

	// Transport errors.
	ErrTransport        = errors.New("transport error")
	ErrUnauthorized     = errors.New("authentication failed")
	ErrUploadIncomplete = errors.New("upload incomplete")

	// Server-side resolution errors.
	ErrValidation   = errors.New("invalid filename")
	ErrAccessDenied = errors.New("access denied: invalid path")

	// Envelope errors. A packet that fails authentication is never retried.
	ErrDecryption = errors.New("decryption failed")
)
