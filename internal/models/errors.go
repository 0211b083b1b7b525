package models

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusCoder is implemented by errors that map to an HTTP-equivalent status.
type StatusCoder interface {
	HTTPStatus() int
}

// BadRequestError is a caller error: an invalid definition or request.
type BadRequestError struct{ Msg string }

func (e *BadRequestError) Error() string   { return e.Msg }
func (e *BadRequestError) HTTPStatus() int { return http.StatusBadRequest }

// ForbiddenError is returned when the caller lacks permission on a resource.
type ForbiddenError struct{ Msg string }

func (e *ForbiddenError) Error() string   { return e.Msg }
func (e *ForbiddenError) HTTPStatus() int { return http.StatusForbidden }

// NotFoundError is returned when a workspace, context or resource does not exist.
type NotFoundError struct{ Msg string }

func (e *NotFoundError) Error() string   { return e.Msg }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ConflictError is returned on a uniqueness violation or a policy conflict,
// such as deleting a non-empty storage container.
type ConflictError struct{ Msg string }

func (e *ConflictError) Error() string   { return e.Msg }
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// InternalError marks a consistency or programming defect.
type InternalError struct{ Msg string }

func (e *InternalError) Error() string   { return e.Msg }
func (e *InternalError) HTTPStatus() int { return http.StatusInternalServerError }

// BadRequestf builds a BadRequestError from a format string.
func BadRequestf(format string, args ...any) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFoundError from a format string.
func NotFoundf(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a ConflictError from a format string.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a ForbiddenError from a format string.
func Forbiddenf(format string, args ...any) error {
	return &ForbiddenError{Msg: fmt.Sprintf(format, args...)}
}

// StatusCode returns the HTTP-equivalent status for err, defaulting to 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsCallerError reports whether err is a 4xx-class domain error.
func IsCallerError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500
}
