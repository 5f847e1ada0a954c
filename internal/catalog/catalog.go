// Package catalog provides the Process Catalog message and its state key.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Separators used when flattening collections and item IDs into keys.
const (
	listSeparator     = "/"
	workflowSeparator = "-"
	workflowPrefix    = "workflow-"
)

// ProcessCatalog is the unit of work consumed from the process queue.
type ProcessCatalog struct {
	WorkflowName     string   `json:"workflowName"`
	Collections      []string `json:"collections"`
	ItemIDs          []string `json:"itemIds"`
	PayloadReference string   `json:"payloadReference"`
	// Replace forces a new execution even when the item already completed.
	Replace bool `json:"replace,omitempty"`
}

// Key identifies a state record.
// CollectionsWorkflow is the partition key and ItemIDs the sort key.
type Key struct {
	CollectionsWorkflow string
	ItemIDs             string
}

// String returns a log-friendly form of the key.
func (k Key) String() string {
	return k.CollectionsWorkflow + "|" + k.ItemIDs
}

// InvalidCatalogError reports a catalog that can never be dispatched.
type InvalidCatalogError struct {
	Reason string
}

func (e *InvalidCatalogError) Error() string {
	return "invalid catalog: " + e.Reason
}

// Invalid returns an InvalidCatalogError with a formatted reason.
func Invalid(format string, args ...any) *InvalidCatalogError {
	return &InvalidCatalogError{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a queue message body into a ProcessCatalog.
// A body that is not valid JSON is reported as an InvalidCatalogError.
func Parse(body []byte) (ProcessCatalog, error) {
	var c ProcessCatalog
	if err := json.Unmarshal(body, &c); err != nil {
		return ProcessCatalog{}, Invalid("malformed message body: %v", err)
	}
	return c, nil
}

// Validate reports a missing or blank required field.
func (c ProcessCatalog) Validate() error {
	if strings.TrimSpace(c.WorkflowName) == "" {
		return Invalid("workflowName is required")
	}
	if len(c.Collections) == 0 {
		return Invalid("collections must not be empty")
	}
	if len(c.ItemIDs) == 0 {
		return Invalid("itemIds must not be empty")
	}
	for i, col := range c.Collections {
		if strings.TrimSpace(col) == "" {
			return Invalid("collections[%d] is blank", i)
		}
	}
	for i, id := range c.ItemIDs {
		if strings.TrimSpace(id) == "" {
			return Invalid("itemIds[%d] is blank", i)
		}
	}
	if strings.TrimSpace(c.PayloadReference) == "" {
		return Invalid("payloadReference is required")
	}
	return nil
}

// Key returns the state key for the catalog. Key parts are NFC normalized so
// that canonically equivalent IDs share one record.
func (c ProcessCatalog) Key() Key {
	return Key{
		CollectionsWorkflow: Scope(c.Collections, c.WorkflowName),
		ItemIDs:             norm.NFC.String(strings.Join(c.ItemIDs, listSeparator)),
	}
}

// PayloadID returns the payload identifier used in notifications:
// {collections}/workflow-{name}/{items}.
func (c ProcessCatalog) PayloadID() string {
	return strings.Join(c.Collections, listSeparator) + listSeparator +
		workflowPrefix + c.WorkflowName + listSeparator +
		strings.Join(c.ItemIDs, listSeparator)
}

// Scope returns the collections/workflow partition for a set of collections.
// Names containing "-" can collide: ["a-b"]+"c" and ["a"]+"b-c" share a scope.
func Scope(collections []string, workflowName string) string {
	return norm.NFC.String(strings.Join(collections, listSeparator) + workflowSeparator + workflowName)
}
