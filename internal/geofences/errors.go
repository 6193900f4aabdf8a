package geofences

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/EmpoweredVote/EV-Geofences/internal/geo"
	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("geofence not found")
	ErrAlreadyExists   = errors.New("geofence already exists")
	ErrVersionConflict = errors.New("geofence was modified concurrently")
	ErrCapacity        = errors.New("capacity exceeded")
	ErrOperationFailed = errors.New("operation failed")
)

// ValidationError carries every field-level reason a request was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func (e *ValidationError) add(format string, args ...any) {
	e.Reasons = append(e.Reasons, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Reasons) == 0 {
		return nil
	}
	return e
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reasons: []string{fmt.Sprintf(format, args...)}}
}

// classify folds errors from the geometry and schedule packages into
// ErrInvalidInput so callers only need one sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) {
		return err
	}
	if errors.Is(err, geo.ErrInvalidGeometry) || errors.Is(err, schedule.ErrInvalidSchedule) {
		return &ValidationError{Reasons: []string{err.Error()}}
	}
	return err
}

// IsRetryable reports whether a failed unit of work may succeed if driven
// again. Rejections caused by the request itself never will.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrCapacity):
		return false
	}
	return true
}

// StatusCode maps a service error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCapacity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides infrastructure details from callers.
func PublicMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return ErrOperationFailed.Error()
	}
	return err.Error()
}
