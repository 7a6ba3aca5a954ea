package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is the sentinel wrapped by store lookups that match no row.
var ErrNotFound = errors.New("record not found")

// UnknownConditionError reports requested condition names that resolve to
// nothing. The whole request fails; no partial result is produced.
type UnknownConditionError struct {
	Names []string `json:"names"`
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("unknown conditions: %s", strings.Join(e.Names, ", "))
}

// AmbiguousConditionError reports a name that matched two or more conditions
// equally well. The caller must disambiguate; the engine never picks one.
type AmbiguousConditionError struct {
	Name       string   `json:"name"`
	Candidates []string `json:"candidates"`
}

func (e *AmbiguousConditionError) Error() string {
	return fmt.Sprintf("condition %q is ambiguous between: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// InvalidCombinationSizeError reports a request that resolved to zero
// conditions. An empty condition set is a fatal input error, not an empty
// result.
type InvalidCombinationSizeError struct{}

func (e *InvalidCombinationSizeError) Error() string {
	return "at least one condition is required"
}

// IsUserError reports whether err belongs to the fatal input-error taxonomy
// (as opposed to a store or internal failure).
func IsUserError(err error) bool {
	var unknown *UnknownConditionError
	var ambiguous *AmbiguousConditionError
	var size *InvalidCombinationSizeError
	return errors.As(err, &unknown) || errors.As(err, &ambiguous) || errors.As(err, &size)
}
