package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeTimeTravelViolation Code = "time_travel_violation"
	CodeDataLeakage         Code = "data_leakage"
	CodeInsufficientData    Code = "insufficient_data"
	CodeInsufficientSamples Code = "insufficient_samples"
	CodeFeatureBuild        Code = "feature_build"
	CodeNotFound            Code = "not_found"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeCanceled            Code = "canceled"
	CodeInternal            Code = "internal"
)

// ValidationError reports malformed or out-of-contract input to a write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TimeTravelViolationError reports a fact read at an instant before it was
// knowable or true.
type TimeTravelViolationError struct {
	FactID string
	Field  string // observed_at, effective_from or occurred_at
	At     time.Time
	AsOf   time.Time
}

func (e *TimeTravelViolationError) Error() string {
	return fmt.Sprintf("time travel violation: fact %s has %s %s after as_of %s",
		e.FactID, e.Field, e.At.UTC().Format(time.RFC3339), e.AsOf.UTC().Format(time.RFC3339))
}

// DataLeakageError reports a training label whose features could see the
// outcome.
type DataLeakageError struct {
	PlayerID     string
	TransferDate time.Time
	FeatureAsOf  time.Time
	Cutoff       time.Time
	HorizonDays  int
	Reason       string
}

func (e *DataLeakageError) Error() string {
	return fmt.Sprintf("data leakage: player %s transfer %s features %s cutoff %s horizon %dd: %s",
		e.PlayerID,
		e.TransferDate.UTC().Format(time.DateOnly),
		e.FeatureAsOf.UTC().Format(time.DateOnly),
		e.Cutoff.UTC().Format(time.DateOnly),
		e.HorizonDays, e.Reason)
}

// InsufficientDataError means there is not enough signal yet for one unit of
// work.
type InsufficientDataError struct {
	PlayerID string
	AsOf     time.Time
	Reason   string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: player %s as of %s: %s",
		e.PlayerID, e.AsOf.UTC().Format(time.RFC3339), e.Reason)
}

// InsufficientSamplesError means a training run has too few labeled examples.
type InsufficientSamplesError struct {
	Got int
	Min int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("insufficient samples: got %d, need %d", e.Got, e.Min)
}

// FeatureBuildError means required reference data is missing for one entity.
type FeatureBuildError struct {
	PlayerID string
	ClubID   string
	AsOf     time.Time
	Reason   string
}

func (e *FeatureBuildError) Error() string {
	return fmt.Sprintf("feature build: player %s club %s as of %s: %s",
		e.PlayerID, e.ClubID, e.AsOf.UTC().Format(time.RFC3339), e.Reason)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// StatusTransitionError reports a rejected model status change.
type StatusTransitionError struct {
	ID   string
	From ModelStatus
	To   ModelStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("model version %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// CodeOf maps an error chain to its taxonomy code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var (
		ve  *ValidationError
		tte *TimeTravelViolationError
		dle *DataLeakageError
		ide *InsufficientDataError
		ise *InsufficientSamplesError
		fbe *FeatureBuildError
		nfe *NotFoundError
		ste *StatusTransitionError
	)
	switch {
	case errors.As(err, &tte):
		return CodeTimeTravelViolation
	case errors.As(err, &dle):
		return CodeDataLeakage
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ide):
		return CodeInsufficientData
	case errors.As(err, &ise):
		return CodeInsufficientSamples
	case errors.As(err, &fbe):
		return CodeFeatureBuild
	case errors.As(err, &nfe):
		return CodeNotFound
	case errors.As(err, &ste):
		return CodeInvalidTransition
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// IsSystemic reports whether err is a correctness breach that must halt a run.
func IsSystemic(err error) bool {
	switch CodeOf(err) {
	case CodeTimeTravelViolation, CodeDataLeakage:
		return true
	}
	return false
}

// IsSkippable reports whether err only affects one unit of work.
func IsSkippable(err error) bool {
	switch CodeOf(err) {
	case CodeInsufficientData, CodeInsufficientSamples, CodeFeatureBuild:
		return true
	}
	return false
}
