package dispatch

import (
	"fmt"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

// Status tags the result of one dispatch.
type Status string

const (
	// StatusStarted means a workflow execution was started.
	StatusStarted Status = "Started"
	// StatusAlreadyRunning means another dispatch owns the key.
	StatusAlreadyRunning Status = "AlreadyRunning"
	// StatusInvalid means the catalog can never be dispatched.
	StatusInvalid Status = "Invalid"
	// StatusFailed means no execution was started.
	StatusFailed Status = "Failed"
	// StatusSkipped means the key already reached COMPLETED or INVALID and the
	// catalog did not ask for a replacement run.
	StatusSkipped Status = "Skipped"
)

// Outcome is the transient result of a dispatch.
type Outcome struct {
	Status       Status
	Catalog      catalog.ProcessCatalog
	ExecutionARN string
	Err          error
}

// ConflictError reports that another dispatch owns the key.
// It is an outcome detail, not a failure.
type ConflictError struct {
	Key   catalog.Key
	State statedb.State
}

func (e *ConflictError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s already claimed", e.Key)
	}
	return fmt.Sprintf("%s already %s", e.Key, e.State)
}

// WorkflowStartError reports a transient failure to start an execution.
// The message should be redelivered.
type WorkflowStartError struct {
	Workflow string
	Err      error
}

func (e *WorkflowStartError) Error() string {
	return fmt.Sprintf("failed to start workflow %s: %v", e.Workflow, e.Err)
}

func (e *WorkflowStartError) Unwrap() error {
	return e.Err
}

// StateStoreError reports a state store failure that leaves the key's state
// unknown or unrecorded. The message should be redelivered.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error {
	return e.Err
}
