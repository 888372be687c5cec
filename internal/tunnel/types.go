package tunnel

import (
	"fmt"
)

// Process is a running tunnel process
type Process interface {
	Pid() int
	// Terminate asks the process to exit gracefully
	Terminate() error
	// Wait blocks until the process exits and releases its resources
	Wait() error
}

// Starter spawns external processes
type Starter interface {
	Start(name string, args []string) (Process, error)
}

// SpawnError is returned when the ssh client cannot be started
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
