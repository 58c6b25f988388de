package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fleetillo/dispatch-gateway/internal/model"
)

var (
	ErrDispatchNotFound = errors.New("dispatch not found")
	ErrBatchEmpty       = errors.New("batch must contain at least one dispatch request")
	ErrNoScheduler      = errors.New("delivery scheduler is not configured")
	ErrBatchTooLarge    = fmt.Errorf("batch cannot contain more than %d dispatch requests", model.MaxBatchSize)
)

// EntityNotFoundError reports a missing route or driver.
type EntityNotFoundError struct {
	Entity string // "route" or "driver"
	ID     string
}

func (e *EntityNotFoundError) Error() string {
	if e.Entity == "" {
		return "Entity not found: " + e.ID
	}
	return strings.ToUpper(e.Entity[:1]) + e.Entity[1:] + " not found: " + e.ID
}

// ValidationError is a request the service refuses before touching storage.
type ValidationError struct {
	Message string
	Fields  []model.FieldError
}

// Error carries the first field problem so callers that only keep the string still see the cause.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + e.Fields[0].Message
}

func newValidationError(fields []model.FieldError) *ValidationError {
	return &ValidationError{Message: "Invalid dispatch request", Fields: fields}
}
