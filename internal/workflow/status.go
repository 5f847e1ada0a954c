package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

// Execution statuses reported by Step Functions.
const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusTimedOut  = "TIMED_OUT"
	StatusAborted   = "ABORTED"
)

// ErrorInvalidInput is the execution error name a workflow uses to reject its input.
const ErrorInvalidInput = "InvalidInput"

// ErrUnknownStatus is returned for statuses that do not map to a state.
var ErrUnknownStatus = errors.New("unknown execution status")

// StatusEvent is an execution status change.
type StatusEvent struct {
	ExecutionARN string
	Status       string
	Catalog      catalog.ProcessCatalog
	Error        string
	Cause        string
	Time         time.Time
}

// statusDetail is the detail of a "Step Functions Execution Status Change" event.
type statusDetail struct {
	ExecutionARN string `json:"executionArn"`
	Status       string `json:"status"`
	Input        string `json:"input"`
	Error        string `json:"error"`
	Cause        string `json:"cause"`
	StartDate    int64  `json:"startDate"`
	StopDate     int64  `json:"stopDate"`
}

// ParseStatusEvent decodes an EventBridge status change detail.
// The execution input must be a valid process catalog.
func ParseStatusEvent(detail []byte) (StatusEvent, error) {
	var d statusDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to parse status detail: %w", err)
	}
	if d.ExecutionARN == "" || d.Status == "" {
		return StatusEvent{}, errors.New("status detail missing executionArn or status")
	}

	c, err := catalog.Parse([]byte(d.Input))
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		return StatusEvent{}, fmt.Errorf("execution input: %w", err)
	}

	ms := d.StopDate
	if ms == 0 {
		ms = d.StartDate
	}
	ev := StatusEvent{
		ExecutionARN: d.ExecutionARN,
		Status:       d.Status,
		Catalog:      c,
		Error:        d.Error,
		Cause:        d.Cause,
	}
	if ms > 0 {
		ev.Time = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}

// StatusToState maps an execution status to a record state.
func StatusToState(status, errorName string) (statedb.State, error) {
	switch status {
	case StatusRunning:
		return statedb.StateProcessing, nil
	case StatusSucceeded:
		return statedb.StateCompleted, nil
	case StatusFailed, StatusTimedOut:
		if errorName == ErrorInvalidInput {
			return statedb.StateInvalid, nil
		}
		return statedb.StateFailed, nil
	case StatusAborted:
		return statedb.StateAborted, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownStatus, status)
	}
}
