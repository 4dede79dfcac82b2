package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job update does not fit the
	// job's current status, for example any write to a finished job.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrValidationPrecondition groups the receipt validation failures.
	ErrValidationPrecondition = errors.New("validation precondition failed")

	ErrNoInvoices = &PreconditionError{
		Code:    "NoInvoices",
		Message: "No invoices to validate",
	}
	ErrIncompleteValidation = &PreconditionError{
		Code:    "IncompleteValidation",
		Message: "Not all invoices validated",
	}
)

type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

func (e *PreconditionError) Unwrap() error {
	return ErrValidationPrecondition
}

// ExtractionFailure is any error raised while a worker runs a job. Its
// message is recorded verbatim on the failed job.
type ExtractionFailure struct {
	Message string
	Err     error
}

func NewExtractionFailure(err error) *ExtractionFailure {
	if err == nil {
		return nil
	}
	var failure *ExtractionFailure
	if errors.As(err, &failure) {
		return failure
	}
	return &ExtractionFailure{Message: err.Error(), Err: err}
}

func (e *ExtractionFailure) Error() string {
	return e.Message
}

func (e *ExtractionFailure) Unwrap() error {
	return e.Err
}
