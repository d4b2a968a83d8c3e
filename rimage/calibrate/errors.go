package calibrate

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid calibration input")
	// ErrEmptyInput matches every *EmptyInputError.
	ErrEmptyInput = errors.New("no usable lines")
	// ErrDegenerateFit matches every *DegenerateFitError.
	ErrDegenerateFit = errors.New("degenerate distortion fit")
)

// ValidationError reports a malformed configuration or input set.
type ValidationError struct {
	Field  string
	Reason string
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// EmptyInputError is returned when no curve survives line aggregation.
type EmptyInputError struct {
	Images  int
	Dropped int
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("no lines left in %d images (%d curves dropped as too short)", e.Images, e.Dropped)
}

// Is makes errors.Is(err, ErrEmptyInput) hold.
func (e *EmptyInputError) Is(target error) bool {
	return target == ErrEmptyInput
}

// DegenerateFitError is returned when the linear system of one solve does not determine the
// free coefficients.
type DegenerateFitError struct {
	Order    int
	Rank     int
	Unknowns int
	Points   int
}

func (e *DegenerateFitError) Error() string {
	return fmt.Sprintf("order %d fit is degenerate: rank %d for %d unknowns from %d points",
		e.Order, e.Rank, e.Unknowns, e.Points)
}

// Is makes errors.Is(err, ErrDegenerateFit) hold.
func (e *DegenerateFitError) Is(target error) bool {
	return target == ErrDegenerateFit
}

// Stage names a step of the calibration pipeline.
type Stage string

// The calibration stages, in order.
const (
	StageValidate  Stage = "validate"
	StageExtract   Stage = "extract"
	StageAggregate Stage = "aggregate"
	StageFit       Stage = "fit"
	StageInvert    Stage = "invert"
)

// StageError tells which stage of Calibrate failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
