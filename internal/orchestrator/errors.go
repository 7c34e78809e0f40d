package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/backlogd/internal/gateway"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/parse"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

// Failure taxonomy. Every failure ends in status FAILED plus a best-effort
// notification; the class only decides logging detail and whether the broker
// itself is the thing that failed.
var (
	// ErrValidation covers bad task types, bad parent references and
	// missing parent types. Never reaches the generation call.
	ErrValidation = errors.New("validation failed")

	// ErrParsing covers malformed or unvalidatable generated content.
	ErrParsing = errors.New("parsing failed")

	// ErrIntegrity covers persistence constraint violations.
	ErrIntegrity = errors.New("integrity violation")
)

// errorClass labels a failure for logging and metrics.
type errorClass string

const (
	classValidation   errorClass = "validation"
	classInvalidModel errorClass = "invalid_model"
	classParsing      errorClass = "parsing"
	classIntegrity    errorClass = "integrity"
	classBroker       errorClass = "broker_unavailable"
	classUnclassified errorClass = "unclassified"
)

func classify(err error) errorClass {
	switch {
	case errors.Is(err, ErrValidation):
		return classValidation
	case errors.Is(err, gateway.ErrInvalidModel):
		return classInvalidModel
	case errors.Is(err, ErrParsing), errors.Is(err, parse.ErrMalformed):
		return classParsing
	case errors.Is(err, ErrIntegrity), errors.Is(err, store.ErrConstraint):
		return classIntegrity
	case errors.Is(err, notify.ErrUnavailable):
		return classBroker
	default:
		return classUnclassified
	}
}

// failureMessage builds the durable error message, truncated so oversized
// provider responses cannot blow up the request row.
func failureMessage(err error) string {
	msg := fmt.Sprintf("processing failed: %v", err)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
