// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"errors"
	"fmt"
)

// ErrUnknownPeer is returned when no base URL is configured for the
// origin server of a fetch.
var ErrUnknownPeer = errors.New("federation: unknown peer")

// MatrixError is a structured error response from a remote server.
// Callers use errors.As to inspect it:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeNotFound { ... }
type MatrixError struct {
	// Code is the Matrix error code, such as "M_NOT_FOUND".
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes seen on the federation event endpoint.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError reports whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsPermanent reports whether a fetch failure will not succeed on retry:
// the peer is unknown, or the remote server answered that the event does
// not exist or may not be shared.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownPeer) ||
		IsMatrixError(err, ErrCodeNotFound) ||
		IsMatrixError(err, ErrCodeForbidden)
}
