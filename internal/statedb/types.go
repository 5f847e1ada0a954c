// Package statedb provides the DynamoDB-backed state store for catalog processing.
package statedb

import (
	"time"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
)

// State is the processing state of a catalog.
type State string

const (
	// StateQueued means a dispatcher claimed the key and is starting a workflow.
	StateQueued State = "QUEUED"
	// StateProcessing means a workflow execution is running.
	StateProcessing State = "PROCESSING"
	// StateCompleted means the workflow execution succeeded.
	StateCompleted State = "COMPLETED"
	// StateFailed means the workflow could not be started or the execution failed.
	StateFailed State = "FAILED"
	// StateInvalid means the workflow rejected its input.
	StateInvalid State = "INVALID"
	// StateAborted means the workflow execution was stopped.
	StateAborted State = "ABORTED"
)

// AllStates lists every state in display order.
var AllStates = []State{StateQueued, StateProcessing, StateCompleted, StateFailed, StateInvalid, StateAborted}

// Terminal reports whether no further transition is expected without a new dispatch.
func (s State) Terminal() bool {
	switch s {
	case StateQueued, StateProcessing:
		return false
	default:
		return true
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// StateRecord is the current processing state of one catalog key.
type StateRecord struct {
	Key              catalog.Key
	State            State
	StateUpdated     time.Time
	Updated          time.Time
	Created          time.Time
	ExecutionARN     string
	PayloadReference string
	LastError        string
}

// Update describes a state transition applied to an existing record.
type Update struct {
	State State
	// ExecutionARN is only written when non-empty.
	ExecutionARN string
	// Error is written to lastError; an empty value clears it.
	Error string
	// OnlyIf restricts the update to records currently in one of these states.
	OnlyIf []State
	// Expect, when set, restricts the update to a record whose state and
	// stateUpdated still match it.
	Expect *StateRecord
	// ForExecution, when set, restricts the update to a record that has no
	// execution ARN or carries this one.
	ForExecution string
}

// TimeRange bounds a range query. A zero From or To leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}
