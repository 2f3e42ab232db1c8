package kernel

import (
	"fmt"
)

// runSafely executes fn and converts a panic into an error tagged with scope.
// Every goroutine and lifecycle boundary in the kernel goes through it.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
