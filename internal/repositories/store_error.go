package repositories

import "fmt"

// StoreErrorKind categorises failures raised by non-Firestore stores.
type StoreErrorKind int

const (
	StoreErrorUnknown StoreErrorKind = iota
	StoreErrorNotFound
	StoreErrorConflict
	StoreErrorUnavailable
)

// StoreError implements RepositoryError for the in-memory and Redis backed stores.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// NewStoreError wraps err with the given categorisation.
func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: store error", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Kind == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Kind == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }
