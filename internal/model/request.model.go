package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const MaxBatchSize = 100

type DispatchRequest struct {
	RouteID      string         `json:"route_id"`
	DriverID     string         `json:"driver_id"`
	Channels     []Channel      `json:"channels,omitempty"`
	MultiChannel bool           `json:"multi_channel,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Index   *int   `json:"index,omitempty"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// IsUUID accepts only the canonical 36 character form.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate checks shape only; entity existence is checked by the dispatch service.
func (r DispatchRequest) Validate() []FieldError {
	var errs []FieldError
	switch {
	case strings.TrimSpace(r.RouteID) == "":
		errs = append(errs, FieldError{Field: "route_id", Message: "route_id is required"})
	case !IsUUID(r.RouteID):
		errs = append(errs, FieldError{Field: "route_id", Message: "route_id must be a valid UUID"})
	}
	switch {
	case strings.TrimSpace(r.DriverID) == "":
		errs = append(errs, FieldError{Field: "driver_id", Message: "driver_id is required"})
	case !IsUUID(r.DriverID):
		errs = append(errs, FieldError{Field: "driver_id", Message: "driver_id must be a valid UUID"})
	}
	for i, c := range r.Channels {
		if !c.IsKnown() {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("channels[%d]", i),
				Message: fmt.Sprintf("channel must be one of: telegram, email, sms, push (got %q)", string(c)),
			})
		}
	}
	return errs
}

type DispatchResult struct {
	DispatchID        string         `json:"dispatch_id"`
	Status            DispatchStatus `json:"status"`
	RequestedChannels []Channel      `json:"requested_channels"`
}

type BatchItemResult struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	DispatchID string `json:"dispatch_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BatchResult struct {
	Results []BatchItemResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
}
