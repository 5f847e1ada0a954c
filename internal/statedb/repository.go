package statedb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrNotFound = errors.New("state record not found")
	ErrConflict = errors.New("state record already exists")
)

// Repository handles state record storage.
type Repository struct {
	client    dbclient.DynamoDBClient
	tableName string
	pageSize  int32
	now       func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(client dbclient.DynamoDBClient, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// WithPageSize sets the page size used by range queries. Zero lets DynamoDB decide.
func (r *Repository) WithPageSize(n int32) *Repository {
	r.pageSize = n
	return r
}

// Get retrieves the state record for a key.
func (r *Repository) Get(ctx context.Context, key catalog.Key) (*StateRecord, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            keyAttributes(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get state record: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalRecord(output.Item), nil
}

// PutIfAbsent writes a record only if no record exists for its key.
// Returns ErrConflict if another writer already created one.
func (r *Repository) PutIfAbsent(ctx context.Context, record *StateRecord) error {
	return r.Claim(ctx, record)
}

// Claim writes a record if no record exists for its key, or if the existing
// record is in one of the overwritable states. The check and the write are a
// single conditional put, so concurrent claimers of the same key see exactly
// one success. Returns ErrConflict otherwise.
func (r *Repository) Claim(ctx context.Context, record *StateRecord, overwritable ...State) error {
	now := r.now().UTC()
	if record.Created.IsZero() {
		record.Created = now
	}
	record.StateUpdated = now
	record.Updated = now

	condition := "attribute_not_exists(" + dynamo.AttrPK + ")"
	var names map[string]string
	values := map[string]types.AttributeValue{}
	if len(overwritable) > 0 {
		condition += " OR #state IN (" + stateList(overwritable, values) + ")"
		names = map[string]string{"#state": AttrState}
	}
	if len(values) == 0 {
		values = nil
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.tableName),
		Item:                      marshalRecord(record),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("failed to put state record: %w", err)
	}
	return nil
}

// Update applies a state transition to an existing record.
// Returns ErrNotFound if no record exists, and ErrConflict if the record is not
// in one of the OnlyIf states, has changed since Expect was read, or belongs
// to an execution other than ForExecution.
func (r *Repository) Update(ctx context.Context, key catalog.Key, fields Update) error {
	now := r.now().UTC()

	names := map[string]string{"#state": AttrState}
	values := map[string]types.AttributeValue{
		":state":        &types.AttributeValueMemberS{Value: string(fields.State)},
		":stateUpdated": &types.AttributeValueMemberS{Value: stateUpdatedValue(fields.State, now)},
		":updated":      &types.AttributeValueMemberS{Value: now.Format(timeFormat)},
	}
	updateExpr := "SET #state = :state, " + dynamo.AttrStateUpdated + " = :stateUpdated, " + dynamo.AttrUpdated + " = :updated"
	if fields.ExecutionARN != "" {
		updateExpr += ", " + AttrExecutionARN + " = :executionArn"
		values[":executionArn"] = &types.AttributeValueMemberS{Value: fields.ExecutionARN}
	}
	if fields.Error != "" {
		updateExpr += ", " + AttrLastError + " = :lastError"
		values[":lastError"] = &types.AttributeValueMemberS{Value: fields.Error}
	} else {
		updateExpr += " REMOVE " + AttrLastError
	}

	condition := "attribute_exists(" + dynamo.AttrPK + ")"
	if len(fields.OnlyIf) > 0 {
		condition += " AND #state IN (" + stateList(fields.OnlyIf, values) + ")"
	}
	if fields.Expect != nil {
		condition += " AND " + dynamo.AttrStateUpdated + " = :expectedStateUpdated"
		values[":expectedStateUpdated"] = &types.AttributeValueMemberS{Value: stateUpdatedValue(fields.Expect.State, fields.Expect.StateUpdated)}
	}
	if fields.ForExecution != "" {
		condition += " AND (attribute_not_exists(" + AttrExecutionARN + ") OR " + AttrExecutionARN + " = :expectedExecutionArn)"
		values[":expectedExecutionArn"] = &types.AttributeValueMemberS{Value: fields.ForExecution}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.tableName),
		Key:                                 keyAttributes(key),
		UpdateExpression:                    aws.String(updateExpr),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to update state record: %w", err)
	}
	return nil
}

// QueryByState returns the records of a collections/workflow scope in the given
// state whose last state change falls within tr, oldest first. The sequence is
// lazy: pages are fetched as the caller iterates, and each range over it starts
// again from the first page.
func (r *Repository) QueryByState(ctx context.Context, scope string, state State, tr TimeRange) iter.Seq2[StateRecord, error] {
	prefix := string(state) + stateUpdatedSeparator
	return r.query(ctx, func() *dynamodb.QueryInput {
		return &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexStateUpdated),
			KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND " + dynamo.AttrStateUpdated + " BETWEEN :from AND :to"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: scope},
				":from": &types.AttributeValueMemberS{Value: prefix + lowerBound(tr.From)},
				":to":   &types.AttributeValueMemberS{Value: prefix + upperBound(tr.To)},
			},
			ScanIndexForward: aws.Bool(true),
		}
	})
}

// QueryByUpdated returns the records of a collections/workflow scope last
// updated within tr, oldest first. Iteration semantics match QueryByState.
func (r *Repository) QueryByUpdated(ctx context.Context, scope string, tr TimeRange) iter.Seq2[StateRecord, error] {
	return r.query(ctx, func() *dynamodb.QueryInput {
		return &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexUpdated),
			KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND " + dynamo.AttrUpdated + " BETWEEN :from AND :to"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: scope},
				":from": &types.AttributeValueMemberS{Value: lowerBound(tr.From)},
				":to":   &types.AttributeValueMemberS{Value: upperBound(tr.To)},
			},
			ScanIndexForward: aws.Bool(true),
		}
	})
}

// CountByState counts the records of a scope per state over tr.
// States without records are present with a zero count.
func (r *Repository) CountByState(ctx context.Context, scope string, tr TimeRange) (map[State]int, error) {
	counts := make(map[State]int, len(AllStates))
	for _, state := range AllStates {
		prefix := string(state) + stateUpdatedSeparator
		var startKey map[string]types.AttributeValue
		for {
			output, err := r.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(r.tableName),
				IndexName:              aws.String(dynamo.IndexStateUpdated),
				KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND " + dynamo.AttrStateUpdated + " BETWEEN :from AND :to"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk":   &types.AttributeValueMemberS{Value: scope},
					":from": &types.AttributeValueMemberS{Value: prefix + lowerBound(tr.From)},
					":to":   &types.AttributeValueMemberS{Value: prefix + upperBound(tr.To)},
				},
				Select:            types.SelectCount,
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to count %s records: %w", state, err)
			}
			counts[state] += int(output.Count)
			if len(output.LastEvaluatedKey) == 0 {
				break
			}
			startKey = output.LastEvaluatedKey
		}
	}
	return counts, nil
}

// query pages through a query built by newInput, yielding one record at a time.
func (r *Repository) query(ctx context.Context, newInput func() *dynamodb.QueryInput) iter.Seq2[StateRecord, error] {
	return func(yield func(StateRecord, error) bool) {
		var startKey map[string]types.AttributeValue
		for {
			input := newInput()
			input.ExclusiveStartKey = startKey
			if r.pageSize > 0 {
				input.Limit = aws.Int32(r.pageSize)
			}

			output, err := r.client.Query(ctx, input)
			if err != nil {
				yield(StateRecord{}, fmt.Errorf("failed to query state records: %w", err))
				return
			}

			for _, item := range output.Items {
				if !yield(*unmarshalRecord(item), nil) {
					return
				}
			}

			if len(output.LastEvaluatedKey) == 0 {
				return
			}
			startKey = output.LastEvaluatedKey
		}
	}
}

// keyAttributes builds the primary key for a catalog key.
func keyAttributes(key catalog.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: key.CollectionsWorkflow},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: key.ItemIDs},
	}
}

// stateList adds placeholders for states to values and returns them comma-joined.
func stateList(states []State, values map[string]types.AttributeValue) string {
	placeholders := make([]string, len(states))
	for i, s := range states {
		p := ":s" + strconv.Itoa(i)
		values[p] = &types.AttributeValueMemberS{Value: string(s)}
		placeholders[i] = p
	}
	return strings.Join(placeholders, ", ")
}

func stateUpdatedValue(state State, t time.Time) string {
	return string(state) + stateUpdatedSeparator + t.UTC().Format(timeFormat)
}

// lowerBound formats an open-or-closed lower range bound.
func lowerBound(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return t.UTC().Format(timeFormat)
}

// upperBound formats an open-or-closed upper range bound. "~" sorts after any timestamp.
func upperBound(t time.Time) string {
	if t.IsZero() {
		return "~"
	}
	return t.UTC().Format(timeFormat)
}

func marshalRecord(record *StateRecord) map[string]types.AttributeValue {
	item := keyAttributes(record.Key)
	item[AttrState] = &types.AttributeValueMemberS{Value: string(record.State)}
	item[dynamo.AttrStateUpdated] = &types.AttributeValueMemberS{Value: stateUpdatedValue(record.State, record.StateUpdated)}
	item[dynamo.AttrUpdated] = &types.AttributeValueMemberS{Value: record.Updated.UTC().Format(timeFormat)}
	item[AttrCreated] = &types.AttributeValueMemberS{Value: record.Created.UTC().Format(timeFormat)}
	if record.ExecutionARN != "" {
		item[AttrExecutionARN] = &types.AttributeValueMemberS{Value: record.ExecutionARN}
	}
	if record.PayloadReference != "" {
		item[AttrPayloadReference] = &types.AttributeValueMemberS{Value: record.PayloadReference}
	}
	if record.LastError != "" {
		item[AttrLastError] = &types.AttributeValueMemberS{Value: record.LastError}
	}
	return item
}

func unmarshalRecord(item map[string]types.AttributeValue) *StateRecord {
	record := &StateRecord{}
	if v, ok := item[dynamo.AttrPK].(*types.AttributeValueMemberS); ok {
		record.Key.CollectionsWorkflow = v.Value
	}
	if v, ok := item[dynamo.AttrSK].(*types.AttributeValueMemberS); ok {
		record.Key.ItemIDs = v.Value
	}
	if v, ok := item[AttrState].(*types.AttributeValueMemberS); ok {
		record.State = State(v.Value)
	}
	if v, ok := item[dynamo.AttrStateUpdated].(*types.AttributeValueMemberS); ok {
		if _, ts, found := strings.Cut(v.Value, stateUpdatedSeparator); found {
			record.StateUpdated = parseTime(ts)
		}
	}
	if v, ok := item[dynamo.AttrUpdated].(*types.AttributeValueMemberS); ok {
		record.Updated = parseTime(v.Value)
	}
	if v, ok := item[AttrCreated].(*types.AttributeValueMemberS); ok {
		record.Created = parseTime(v.Value)
	}
	if v, ok := item[AttrExecutionARN].(*types.AttributeValueMemberS); ok {
		record.ExecutionARN = v.Value
	}
	if v, ok := item[AttrPayloadReference].(*types.AttributeValueMemberS); ok {
		record.PayloadReference = v.Value
	}
	if v, ok := item[AttrLastError].(*types.AttributeValueMemberS); ok {
		record.LastError = v.Value
	}
	return record
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
