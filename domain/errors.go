package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrPolicy     = errors.New("policy violation")
	ErrFetch      = errors.New("request to planner service failed")
	ErrNotFound   = errors.New("not found")
)

// ValidationError is returned before any network call when input is unusable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PolicyError is a validation error raised by a business rule, such as
// refusing to remove a board's owner.
type PolicyError struct {
	Action string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s not allowed: %s", e.Action, e.Reason)
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrPolicy || target == ErrValidation
}

// FetchError wraps a transport failure or a non-2xx response from the
// planner service. StatusCode is zero when no response arrived.
type FetchError struct {
	Op         string
	Method     string
	Path       string
	StatusCode int
	Detail     string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("%s: %s %s: %d %s: %s", e.Op, e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %d: %v", e.Op, e.Method, e.Path, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s %s: %d %s", e.Op, e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	default:
		return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Method, e.Path, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// Transport reports whether the request never got a response.
func (e *FetchError) Transport() bool {
	return e.StatusCode == 0
}

// NotFoundError is returned for ids the local cache does not hold.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Kind classifies err for logs, metrics and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPolicy):
		return "policy"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFetch):
		return "fetch"
	}
	return "error"
}
