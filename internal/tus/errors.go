// errors.go defines the protocol error taxonomy. Every recoverable per-request
// failure is a sentinel *Error carrying the HTTP status code the tus protocol
// assigns to it, so the HTTP layer can map engine results onto deterministic
// responses with errors.Is / StatusOf and never needs to inspect message text.
package tus

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusChecksumMismatch is the non-standard 460 status defined by the tus
// checksum extension for digest verification failures.
const StatusChecksumMismatch = 460

// Error is a protocol-level failure with the HTTP status code used when it is
// sent in a response.
type Error struct {
	message string
	status  int
}

func (e *Error) Error() string { return e.message }

// StatusCode returns the HTTP status code associated with the error.
func (e *Error) StatusCode() int { return e.status }

// NewError creates a protocol error with the given message and status code.
// Pre-creation hooks may return one to control the rejection status.
func NewError(message string, status int) *Error {
	return &Error{message: message, status: status}
}

var (
	ErrNotFound            = NewError("upload not found", http.StatusNotFound)
	ErrOffsetMismatch      = NewError("mismatched offset", http.StatusConflict)
	ErrChecksumMismatch    = NewError("upload checksum mismatch", StatusChecksumMismatch)
	ErrChecksumRequired    = NewError("upload requires a checksum for every chunk", http.StatusBadRequest)
	ErrMaxSizeExceeded     = NewError("maximum size exceeded", http.StatusRequestEntityTooLarge)
	ErrSizeExceeded        = NewError("upload's declared size exceeded", http.StatusRequestEntityTooLarge)
	ErrUnsupportedVersion  = NewError("unsupported version", http.StatusPreconditionFailed)
	ErrInvalidContentType  = NewError("missing or invalid Content-Type header", http.StatusBadRequest)
	ErrInvalidOffset       = NewError("missing or invalid Upload-Offset header", http.StatusBadRequest)
	ErrInvalidUploadLength = NewError("missing or invalid Upload-Length header", http.StatusBadRequest)
	ErrInvalidDeferLength  = NewError("invalid Upload-Defer-Length header", http.StatusBadRequest)
	ErrBothLengthHeaders   = NewError("provided both Upload-Length and Upload-Defer-Length", http.StatusBadRequest)
	ErrInvalidConcat       = NewError("invalid Upload-Concat header", http.StatusBadRequest)
	ErrUploadNotFinished   = NewError("one of the partial uploads is not finished", http.StatusBadRequest)
	ErrModifyFinal         = NewError("modifying a final upload is not allowed", http.StatusForbidden)
	ErrLengthAlreadyKnown  = NewError("upload length was already declared", http.StatusBadRequest)
	ErrHookRejected        = NewError("upload rejected by pre-creation hook", http.StatusBadRequest)
	ErrTooManyUploads      = NewError("concurrent upload limit reached", http.StatusTooManyRequests)
	ErrChecksumUnsupported = NewError("unsupported checksum algorithm", http.StatusBadRequest)
	ErrChecksumAlgorithm   = NewError("chunk checksum algorithm does not match the one negotiated at creation", http.StatusBadRequest)
	ErrUploadLocked        = NewError("upload is currently locked", http.StatusLocked)
	ErrStorage             = NewError("upload storage failure", http.StatusInternalServerError)
)

// ConflictError wraps ErrOffsetMismatch and carries the server's authoritative
// offset so the client can resynchronize without an extra HEAD request.
type ConflictError struct {
	CurrentOffset int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mismatched offset: server is at %d", e.CurrentOffset)
}

func (e *ConflictError) Unwrap() error { return ErrOffsetMismatch }

// StatusOf returns the HTTP status code for err. Errors outside the protocol
// taxonomy are treated as internal failures.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode()
	}
	return http.StatusInternalServerError
}

// wrapStorage attaches the ErrStorage sentinel to an underlying I/O failure
// while preserving the cause for logs.
func wrapStorage(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
