package helper

import "fmt"

// NewError wraps err with the step it happened in.
// The wrapped error stays reachable through errors.Is and errors.As.
func NewError(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("error in %s: %w", step, err)
}
