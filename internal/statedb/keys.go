package statedb

// Attribute names for state table items.
const (
	AttrState            = "state"
	AttrCreated          = "created"
	AttrExecutionARN     = "executionArn"
	AttrPayloadReference = "payloadReference"
	AttrLastError        = "lastError"
)

// timeFormat is fixed width so that formatted timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// stateUpdatedSeparator joins the state and timestamp in the stateUpdated attribute.
const stateUpdatedSeparator = "_"
