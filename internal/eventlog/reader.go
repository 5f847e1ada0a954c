package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery/types"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

// queryTimeLayout is the timestamp format Timestream returns for the time column.
const queryTimeLayout = "2006-01-02 15:04:05.999999999"

// TimestreamQuerier abstracts Timestream query operations for dependency inversion.
type TimestreamQuerier interface {
	Query(ctx context.Context, params *timestreamquery.QueryInput, optFns ...func(*timestreamquery.Options)) (*timestreamquery.QueryOutput, error)
}

// Reader queries recent state events.
type Reader struct {
	client       TimestreamQuerier
	databaseName string
	tableName    string
}

// NewReader creates a new Reader.
func NewReader(client TimestreamQuerier, databaseName, tableName string) *Reader {
	return &Reader{
		client:       client,
		databaseName: databaseName,
		tableName:    tableName,
	}
}

// Recent returns the events of a collections/workflow scope newer than since,
// newest first. At most limit events are returned when limit is positive.
func (r *Reader) Recent(ctx context.Context, scope string, since time.Time, limit int) ([]StateEvent, error) {
	query := r.recentQuery(scope, since, limit)

	var events []StateEvent
	var nextToken *string
	for {
		output, err := r.client.Query(ctx, &timestreamquery.QueryInput{
			QueryString: aws.String(query),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query event log: %w", err)
		}

		columns := columnIndex(output.ColumnInfo)
		for _, row := range output.Rows {
			events = append(events, rowToEvent(columns, row))
		}

		if output.NextToken == nil || *output.NextToken == "" {
			break
		}
		nextToken = output.NextToken
	}
	return events, nil
}

func (r *Reader) recentQuery(scope string, since time.Time, limit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s, %s, %s, measure_value::varchar AS %s, time FROM "%s"."%s"`,
		DimCollectionsWorkflow, DimItemIDs, DimExecutionARN, MeasureState, r.databaseName, r.tableName)
	fmt.Fprintf(&sb, " WHERE %s = '%s' AND measure_name = '%s'", DimCollectionsWorkflow, escapeLiteral(scope), MeasureState)
	fmt.Fprintf(&sb, " AND time > from_milliseconds(%d)", since.UnixMilli())
	sb.WriteString(" ORDER BY time DESC")
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	return sb.String()
}

// escapeLiteral doubles single quotes for use inside a SQL string literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func columnIndex(info []types.ColumnInfo) map[string]int {
	idx := make(map[string]int, len(info))
	for i, c := range info {
		if c.Name != nil {
			idx[*c.Name] = i
		}
	}
	return idx
}

func rowToEvent(columns map[string]int, row types.Row) StateEvent {
	value := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row.Data) || row.Data[i].ScalarValue == nil {
			return ""
		}
		return *row.Data[i].ScalarValue
	}

	e := StateEvent{
		Key: catalog.Key{
			CollectionsWorkflow: value(DimCollectionsWorkflow),
			ItemIDs:             value(DimItemIDs),
		},
		State:        statedb.State(value(MeasureState)),
		ExecutionARN: value(DimExecutionARN),
	}
	if e.ExecutionARN == noExecution {
		e.ExecutionARN = ""
	}
	if t, err := time.Parse(queryTimeLayout, value("time")); err == nil {
		e.Timestamp = t
	}
	return e
}
