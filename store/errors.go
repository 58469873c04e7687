package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when connection or provisioning parameters are missing or invalid.
	ErrConfiguration = errors.New("catalog: invalid configuration")

	// ErrProvisioningConflict is returned when an existing container uses a different partition key.
	ErrProvisioningConflict = errors.New("catalog: container exists with an incompatible partition key")

	// ErrInvalidDocument is returned when a product fails schema validation. No write is attempted.
	ErrInvalidDocument = errors.New("catalog: invalid document")

	// ErrNotFound is returned when the addressed product doesn't exist.
	ErrNotFound = errors.New("catalog: document not found")

	// ErrConflict is returned when creating a product whose (id, categoryId) already exists.
	ErrConflict = errors.New("catalog: document already exists")

	// ErrThrottled is returned when the store rate-limited the request and retries were exhausted.
	ErrThrottled = errors.New("catalog: request throttled")

	// ErrUnavailable is returned when the store could not be reached and retries were exhausted.
	ErrUnavailable = errors.New("catalog: store unavailable")

	// ErrInvalidQuery is returned when a filter expression cannot be parsed.
	ErrInvalidQuery = errors.New("catalog: invalid query")
)

// OpError describes a failed store operation.
// It matches its Kind with errors.Is and the underlying cause with errors.As.
type OpError struct {
	Op   string // operation name, e.g. "create"
	Kind error  // one of the package sentinels, nil for unclassified store faults
	Err  error  // underlying cause, may be nil
}

func (e *OpError) Error() string {
	switch {
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func opError(op string, kind, cause error) error {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

// IsRetryable reports whether err belongs to a transient fault category.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
