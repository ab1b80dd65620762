package unnest

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when the registry has no primary key or
	// primary table. The registry is left unchanged.
	ErrNotConfigured = errors.New("unnest: registry has no primary key or primary table")

	// ErrMissingKey matches every *MissingKeyError.
	ErrMissingKey = errors.New("unnest: missing key")

	// ErrMaxDepth is returned when a record nests deeper than Options.MaxDepth.
	ErrMaxDepth = errors.New("unnest: nesting too deep")
)

// MissingKeyError reports a record lacking a key the engine must read, such as
// the primary key of a top-level record.
type MissingKeyError struct {
	Key   string
	Table string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("unnest: missing key %q in record for table %s", e.Key, e.Table)
}

func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingKey }
