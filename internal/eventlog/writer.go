// Package eventlog provides the append-only state transition log backed by Timestream.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

// Retention of the event table. Applied by the table definition, not by this package.
const (
	MemoryRetention   = 24 * time.Hour
	MagneticRetention = 93 * 24 * time.Hour
)

// Dimension and measure names.
const (
	DimCollectionsWorkflow = "collectionsWorkflow"
	DimItemIDs             = "itemIds"
	DimExecutionARN        = "executionArn"
	MeasureState           = "state"
)

// noExecution stands in for the execution ARN of events that have none.
// Every record carries the executionArn dimension so queries can select it.
const noExecution = "none"

// ErrAppendFailed is returned when some or all events were not written.
var ErrAppendFailed = errors.New("event log append failed")

// StateEvent is one state transition.
type StateEvent struct {
	Key          catalog.Key
	State        statedb.State
	Timestamp    time.Time
	ExecutionARN string
}

// TimestreamWriter abstracts Timestream write operations for dependency inversion.
type TimestreamWriter interface {
	WriteRecords(ctx context.Context, params *timestreamwrite.WriteRecordsInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error)
}

// Writer appends state events to a Timestream table.
type Writer struct {
	client       TimestreamWriter
	databaseName string
	tableName    string
}

// NewWriter creates a new Writer.
func NewWriter(client TimestreamWriter, databaseName, tableName string) *Writer {
	return &Writer{
		client:       client,
		databaseName: databaseName,
		tableName:    tableName,
	}
}

// Append writes events in a single request.
func (w *Writer) Append(ctx context.Context, events ...StateEvent) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]types.Record, 0, len(events))
	for _, e := range events {
		records = append(records, toRecord(e))
	}

	_, err := w.client.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(w.databaseName),
		TableName:    aws.String(w.tableName),
		Records:      records,
	})
	if err != nil {
		var rejected *types.RejectedRecordsException
		if errors.As(err, &rejected) {
			return fmt.Errorf("%w: %d of %d records rejected", ErrAppendFailed, len(rejected.RejectedRecords), len(records))
		}
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

func toRecord(e StateEvent) types.Record {
	// Timestream rejects empty dimension values.
	arn := e.ExecutionARN
	if arn == "" {
		arn = noExecution
	}
	dimensions := []types.Dimension{
		{Name: aws.String(DimCollectionsWorkflow), Value: aws.String(e.Key.CollectionsWorkflow)},
		{Name: aws.String(DimItemIDs), Value: aws.String(e.Key.ItemIDs)},
		{Name: aws.String(DimExecutionARN), Value: aws.String(arn)},
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return types.Record{
		Dimensions:       dimensions,
		MeasureName:      aws.String(MeasureState),
		MeasureValue:     aws.String(string(e.State)),
		MeasureValueType: types.MeasureValueTypeVarchar,
		Time:             aws.String(strconv.FormatInt(ts.UnixMilli(), 10)),
		TimeUnit:         types.TimeUnitMilliseconds,
	}
}

// NopWriter discards events. Used when no event table is configured.
type NopWriter struct{}

// Append implements the writer contract without writing anything.
func (NopWriter) Append(ctx context.Context, events ...StateEvent) error {
	return nil
}
