package lineage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Match them with errors.Is; the concrete error usually
// carries more detail.
var (
	// ErrNotFound is returned when a referenced id does not exist.
	ErrNotFound = errors.New("lineage: not found")

	// ErrConflict is returned when creating an entity whose id exists.
	ErrConflict = errors.New("lineage: conflict")

	// ErrInvalidArgument is returned for caller input that can never
	// succeed, such as a self-loop edge.
	ErrInvalidArgument = errors.New("lineage: invalid argument")

	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("lineage: storage error")

	// ErrTimeout is wrapped in a *StorageError when a storage call ran
	// past its deadline.
	ErrTimeout = errors.New("lineage: storage timeout")

	// ErrIncompatibleFormat is wrapped in a *StorageError when the on-disk
	// format header is missing, unknown or from another version.
	ErrIncompatibleFormat = errors.New("lineage: incompatible storage format")

	// ErrCorrupt is wrapped in a *StorageError when a stored record fails
	// its checksum or cannot be decoded.
	ErrCorrupt = errors.New("lineage: corrupt record")

	// ErrInconsistentGraph is returned when traversal or verification finds
	// data that violates the graph invariants.
	ErrInconsistentGraph = errors.New("lineage: inconsistent graph")

	// ErrConfig is returned by Config validation.
	ErrConfig = errors.New("lineage: invalid config")
)

// StorageError reports a failure of the storage backend.
type StorageError struct {
	// Op is the backend operation that failed, e.g. "put node".
	Op string

	// Err is the underlying error. It may be ErrTimeout,
	// ErrIncompatibleFormat or ErrCorrupt.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("lineage: storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err from backend operation op in a *StorageError. Errors
// that already belong to the taxonomy (not found, conflict, invalid
// argument, inconsistent graph, or an existing StorageError) pass through
// unchanged. Context deadlines become ErrTimeout.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	switch {
	case errors.As(err, &se),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInconsistentGraph):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	}
	return &StorageError{Op: op, Err: err}
}

// InconsistencyError describes an invariant violation found in stored data.
type InconsistencyError struct {
	// Subject is the node, edge or session the violation was found at.
	Subject string

	// Reason describes the violation.
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("lineage: inconsistent graph at %s: %s", e.Subject, e.Reason)
}

// Is makes every InconsistencyError match ErrInconsistentGraph.
func (e *InconsistencyError) Is(target error) bool { return target == ErrInconsistentGraph }

// Inconsistent returns an *InconsistencyError for subject.
func Inconsistent(subject fmt.Stringer, format string, args ...any) error {
	return &InconsistencyError{Subject: subject.String(), Reason: fmt.Sprintf(format, args...)}
}

// ErrorKind classifies errors into the taxonomy.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorNotFound
	ErrorConflict
	ErrorInvalidArgument
	ErrorStorage
	ErrorInconsistentGraph
	ErrorConfig
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNotFound:
		return "not_found"
	case ErrorConflict:
		return "conflict"
	case ErrorInvalidArgument:
		return "invalid_argument"
	case ErrorStorage:
		return "storage"
	case ErrorInconsistentGraph:
		return "inconsistent_graph"
	case ErrorConfig:
		return "config"
	default:
		return "unknown"
	}
}

// KindOf classifies err. It returns ErrorUnknown for nil and for errors
// outside the taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorUnknown
	case errors.Is(err, ErrStorage):
		return ErrorStorage
	case errors.Is(err, ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, ErrConflict):
		return ErrorConflict
	case errors.Is(err, ErrInvalidArgument):
		return ErrorInvalidArgument
	case errors.Is(err, ErrInconsistentGraph):
		return ErrorInconsistentGraph
	case errors.Is(err, ErrConfig):
		return ErrorConfig
	default:
		return ErrorUnknown
	}
}
