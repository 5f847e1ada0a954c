// Package dynamo provides shared DynamoDB constants for the state table.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "collectionsWorkflow"
	AttrSK = "itemIds"

	// GSI sort key attributes.
	AttrStateUpdated = "stateUpdated"
	AttrUpdated      = "updated"

	// Index names.
	IndexStateUpdated = "state_updated"
	IndexUpdated      = "updated"
)
