// Package docerr defines the coded errors returned by the document pipeline.
// Every error that can reach an API caller or a task record carries one of the
// codes below, which also determines its HTTP status.
package docerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of error. Codes are stable and part of the API.
type Code string

const (
	CodeUnsupportedMediaType     Code = "unsupported_media_type"
	CodeMalformedPayload         Code = "malformed_payload"
	CodePayloadTooLarge          Code = "payload_too_large"
	CodeMissingPrimaryKey        Code = "missing_primary_key"
	CodePrimaryKeyInferenceFails Code = "primary_key_inference_failed"
	CodeInvalidDocumentID        Code = "invalid_document_id"
	CodePrimaryKeyConflict       Code = "primary_key_conflict"
	CodeBadRequest               Code = "bad_request"
	CodeInvalidIndexUID          Code = "invalid_index_uid"
	CodeDocumentNotFound         Code = "document_not_found"
	CodeIndexNotFound            Code = "index_not_found"
	CodeTaskNotFound             Code = "task_not_found"
	CodeEngineUnavailable        Code = "engine_unavailable"
	CodeInternal                 Code = "internal_error"
)

// Sentinels for errors.Is. Matching is by code, so any *Error with the same
// code matches regardless of its message.
var (
	ErrUnsupportedMediaType      = &Error{Code: CodeUnsupportedMediaType}
	ErrMalformedPayload          = &Error{Code: CodeMalformedPayload}
	ErrPayloadTooLarge           = &Error{Code: CodePayloadTooLarge}
	ErrMissingPrimaryKey         = &Error{Code: CodeMissingPrimaryKey}
	ErrPrimaryKeyInferenceFailed = &Error{Code: CodePrimaryKeyInferenceFails}
	ErrInvalidDocumentID         = &Error{Code: CodeInvalidDocumentID}
	ErrPrimaryKeyConflict        = &Error{Code: CodePrimaryKeyConflict}
	ErrBadRequest                = &Error{Code: CodeBadRequest}
	ErrInvalidIndexUID           = &Error{Code: CodeInvalidIndexUID}
	ErrDocumentNotFound          = &Error{Code: CodeDocumentNotFound}
	ErrIndexNotFound             = &Error{Code: CodeIndexNotFound}
	ErrTaskNotFound              = &Error{Code: CodeTaskNotFound}
	ErrEngineUnavailable         = &Error{Code: CodeEngineUnavailable}
	ErrInternal                  = &Error{Code: CodeInternal}
)

// Error is a coded pipeline error.
type Error struct {
	Code    Code
	Message string

	// Position is the byte offset in the payload where decoding failed, -1 if unknown.
	Position int64
	// Document is the zero-based position of the offending document in its batch, -1 if none.
	Document int

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Detail returns the structured detail fields for an API error body.
func (e *Error) Detail() map[string]any {
	detail := make(map[string]any)
	if e.Position >= 0 {
		detail["position"] = e.Position
	}
	if e.Document >= 0 {
		detail["document"] = e.Document
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Position: -1,
		Document: -1,
	}
}

// Wrap creates an error with the given code around a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	if e.Message == "" && cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Malformed creates a MalformedPayload error at a byte position.
func Malformed(position int64, format string, args ...any) *Error {
	e := New(CodeMalformedPayload, format, args...)
	e.Position = position
	return e
}

// AtDocument returns a copy of e pointing at the given document position.
func (e *Error) AtDocument(i int) *Error {
	c := *e
	c.Document = i
	return &c
}

// Unavailable wraps a transient engine failure.
func Unavailable(cause error) *Error {
	return Wrap(CodeEngineUnavailable, cause, "indexing engine unavailable: %v", cause)
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, cause, "internal error: %v", cause)
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrEngineUnavailable)
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeMalformedPayload, CodeMissingPrimaryKey, CodePrimaryKeyInferenceFails,
		CodeInvalidDocumentID, CodePrimaryKeyConflict, CodeBadRequest, CodeInvalidIndexUID:
		return http.StatusBadRequest
	case CodeDocumentNotFound, CodeIndexNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeEngineUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
