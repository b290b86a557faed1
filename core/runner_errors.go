package core

import "fmt"

// SpawnError reports a child that failed to start. It invalidates the
// process instance that attempted the spawn.
type SpawnError struct {
	Op  string
	Err error
}

// NewSpawnError constructs a spawn error for op.
func NewSpawnError(op string, err error) *SpawnError {
	return &SpawnError{Op: op, Err: err}
}

func (e *SpawnError) Error() string {
	if e == nil {
		return "spawn error"
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("spawn %s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("spawn: %v", e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("spawn %s failed", e.Op)
	}
	return "spawn error"
}

func (e *SpawnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
