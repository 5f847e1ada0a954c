// Package config reads the Lambda environment once at start-up.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
)

// Defaults for numeric settings.
const (
	DefaultMaxConcurrency       = 16
	DefaultWorkflowStartTimeout = 10 * time.Second
)

// Config holds the environment of a dispatch Lambda. Identifiers are passed
// through to AWS clients without interpretation; an empty value disables the
// component that uses it where that component is optional.
type Config struct {
	StateTableName     string
	EventDatabaseName  string
	EventTableName     string
	PayloadBucket      string
	BaseWorkflowARN    string
	WorkflowTopicARN   string
	FailedTopicARN     string
	InvalidTopicARN    string
	ProcessQueueURL    string
	DeadLetterQueueURL string
	StackPrefix        string

	MaxConcurrency       int
	WorkflowStartTimeout time.Duration
}

// Load reads the configuration from the process environment.
func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	cfg := Config{
		StateTableName:     getenv("STATE_TABLE_NAME"),
		EventDatabaseName:  getenv("EVENT_DATABASE_NAME"),
		EventTableName:     getenv("EVENT_TABLE_NAME"),
		PayloadBucket:      getenv("PAYLOAD_BUCKET"),
		BaseWorkflowARN:    getenv("BASE_WORKFLOW_ARN"),
		WorkflowTopicARN:   getenv("WORKFLOW_TOPIC_ARN"),
		FailedTopicARN:     getenv("FAILED_TOPIC_ARN"),
		InvalidTopicARN:    getenv("INVALID_TOPIC_ARN"),
		ProcessQueueURL:    getenv("PROCESS_QUEUE_URL"),
		DeadLetterQueueURL: getenv("DEAD_LETTER_QUEUE_URL"),
		StackPrefix:        getenv("STACK_PREFIX"),

		MaxConcurrency:       DefaultMaxConcurrency,
		WorkflowStartTimeout: DefaultWorkflowStartTimeout,
	}

	if v := getenv("MAX_CONCURRENCY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxConcurrency = parsed
		}
	}
	if v := getenv("WORKFLOW_START_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.WorkflowStartTimeout = time.Duration(parsed) * time.Second
		}
	}

	return cfg
}

// EventLogEnabled reports whether an event table is configured.
func (c Config) EventLogEnabled() bool {
	return c.EventDatabaseName != "" && c.EventTableName != ""
}

// Topics maps each notification channel to its configured topic ARN.
func (c Config) Topics() map[notify.Channel]string {
	return map[notify.Channel]string{
		notify.ChannelWorkflow: c.WorkflowTopicARN,
		notify.ChannelFailed:   c.FailedTopicARN,
		notify.ChannelInvalid:  c.InvalidTopicARN,
	}
}
