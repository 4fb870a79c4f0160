package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateEdge    = errors.New("duplicate dependency edge")
	ErrCycleDetected    = errors.New("dependency cycle detected")
)

// CycleError reports the existing path that a new edge would close.
// Path runs from the new edge's successor back to its predecessor.
type CycleError struct {
	PredecessorID string
	SuccessorID   string
	Path          []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s -> %s", ErrCycleDetected, e.PredecessorID, e.SuccessorID)
	}
	return fmt.Sprintf("%s: %s -> %s closes %s", ErrCycleDetected, e.PredecessorID, e.SuccessorID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// InvalidParameterf wraps ErrInvalidParameter with a formatted message.
func InvalidParameterf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidParameter)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
