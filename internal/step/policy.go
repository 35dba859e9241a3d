package step

import (
	"errors"

	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
)

// FailureClass buckets everything that can go wrong while charging a
// step.
type FailureClass int

const (
	// FailureValidation covers malformed input and amounts that would
	// corrupt the ledger.
	FailureValidation FailureClass = iota
	// FailureNotFound covers unresolvable organizations and models.
	FailureNotFound
	// FailureLockContention means another worker owns the step.
	FailureLockContention
	// FailureExternalDependency covers storage, cache and downstream
	// capability errors.
	FailureExternalDependency
)

// FailureMode decides what the caller sees.
type FailureMode int

const (
	// FailClosed surfaces the error to the caller.
	FailClosed FailureMode = iota
	// FailOpen logs and reports "billing deferred": the inference work
	// already happened and must not be rolled back over bookkeeping.
	FailOpen
)

// failurePolicy is the single place where fail-open versus fail-closed
// is decided. Call sites ask the table instead of branching ad hoc.
var failurePolicy = map[FailureClass]FailureMode{
	FailureValidation:         FailClosed,
	FailureNotFound:           FailOpen,
	FailureLockContention:     FailOpen,
	FailureExternalDependency: FailOpen,
}

// Classify maps an error to its failure class. Anything unrecognized is
// an external dependency failure.
func Classify(err error) FailureClass {
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSource),
		errors.Is(err, ledgerdomain.ErrInvalidOrganization),
		errors.Is(err, modeldomain.ErrInvalidName),
		errors.Is(err, orgdomain.ErrInvalidRef):
		return FailureValidation
	case errors.Is(err, orgdomain.ErrOrganizationNotFound),
		errors.Is(err, modeldomain.ErrModelNotFound):
		return FailureNotFound
	default:
		return FailureExternalDependency
	}
}

// ModeFor returns the handling mode for an error.
func ModeFor(err error) FailureMode {
	return failurePolicy[Classify(err)]
}
