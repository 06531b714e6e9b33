package flows

import (
	"errors"
	"fmt"
)

// ErrConfigurationInconsistency is returned when the pool selection names a
// flow that the flow registry does not know.
var ErrConfigurationInconsistency = errors.New("configuration inconsistency")

// InconsistencyError carries the flow id that could not be resolved.
type InconsistencyError struct {
	FlowID string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: flow %q is referenced by pool selection but not registered", ErrConfigurationInconsistency, e.FlowID)
}

// Unwrap lets errors.Is match ErrConfigurationInconsistency.
func (e *InconsistencyError) Unwrap() error {
	return ErrConfigurationInconsistency
}
