// Package workflow starts Step Functions executions and interprets their status events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
)

// DefaultStartTimeout bounds a single StartExecution call.
const DefaultStartTimeout = 10 * time.Second

var (
	// ErrWorkflowNotFound means the named state machine does not exist. Retrying will not help.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrStartFailed means the execution could not be started.
	ErrStartFailed = errors.New("workflow start failed")
)

// SFNClient abstracts Step Functions operations for dependency inversion.
type SFNClient interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// Starter starts executions of state machines named relative to a base ARN.
type Starter struct {
	client  SFNClient
	baseARN string
	timeout time.Duration
}

// NewStarter creates a new Starter. A non-positive timeout uses DefaultStartTimeout.
func NewStarter(client SFNClient, baseARN string, timeout time.Duration) *Starter {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	return &Starter{
		client:  client,
		baseARN: baseARN,
		timeout: timeout,
	}
}

// StateMachineARN returns the ARN of the named workflow.
func (s *Starter) StateMachineARN(workflowName string) string {
	return s.baseARN + workflowName
}

// Start starts an execution of the named workflow and returns its execution ARN.
// A call that times out is made once more under the same name: Step Functions
// returns the execution the first call created, if it got that far.
func (s *Starter) Start(ctx context.Context, workflowName, executionName string, input []byte) (string, error) {
	arn, err := s.start(ctx, workflowName, executionName, input)
	if errors.Is(err, errStartTimedOut) && ctx.Err() == nil {
		arn, err = s.start(ctx, workflowName, executionName, input)
	}
	return arn, err
}

var errStartTimedOut = errors.New("timed out")

func (s *Starter) start(ctx context.Context, workflowName, executionName string, input []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.client.StartExecution(callCtx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.StateMachineARN(workflowName)),
		Name:            aws.String(executionName),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		var notFound *types.StateMachineDoesNotExist
		var deleting *types.StateMachineDeleting
		var exists *types.ExecutionAlreadyExists
		switch {
		case errors.As(err, &notFound), errors.As(err, &deleting):
			return "", fmt.Errorf("%w: %s: %v", ErrWorkflowNotFound, workflowName, err)
		case errors.As(err, &exists):
			// Names are unique to a claim, so the existing execution is this one.
			return s.ExecutionARN(workflowName, executionName), nil
		case callCtx.Err() != nil && ctx.Err() == nil:
			return "", fmt.Errorf("%w: %w: %v", ErrStartFailed, errStartTimedOut, err)
		}
		return "", fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	if output.ExecutionArn == nil || *output.ExecutionArn == "" {
		return "", fmt.Errorf("%w: no execution ARN returned", ErrStartFailed)
	}
	return *output.ExecutionArn, nil
}

// ExecutionARN returns the ARN of a named execution of the named workflow.
func (s *Starter) ExecutionARN(workflowName, executionName string) string {
	return strings.Replace(s.StateMachineARN(workflowName), ":stateMachine:", ":execution:", 1) + ":" + executionName
}
