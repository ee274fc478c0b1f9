package shell

import "fmt"

// ExitError carries the exit code the fx application asked for out of
// Run, so the cli layer can terminate the process with it.
type ExitError struct {
	Code int
}

func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}
