package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/daveTechLed/sqlstress/sqlconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const setMarkerSQL = "SET CONTEXT_INFO @p1"

var tracer = otel.Tracer("github.com/daveTechLed/sqlstress/controller")

type ExecutionOutcome struct {
	DataSizeBytes int64
	ResultSets    int
	Rows          int64
}

// Executor runs one statement on a fresh connection.
type Executor interface {
	Execute(ctx context.Context, connString, query string, marker []byte) (*ExecutionOutcome, error)
}

// ConnectionExecutor opens a dedicated connection per execution, tags the
// server session with the marker and reads every result set.
type ConnectionExecutor struct {
	Factory sqlconn.Factory
	// ConnectionID is only used in error messages.
	ConnectionID string
}

func (ce *ConnectionExecutor) Execute(ctx context.Context, connString, query string, marker []byte) (*ExecutionOutcome, error) {
	ctx, span := tracer.Start(ctx, "sqlstress.execute", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	h, err := ce.Factory.Open(ctx, connString)
	if err != nil {
		err = &ConnectionError{ConnectionID: ce.ConnectionID, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect")
		return nil, err
	}
	defer h.Close()

	if len(marker) > 0 {
		if err := h.Exec(ctx, setMarkerSQL, marker); err != nil {
			err = fmt.Errorf("set context info: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "marker")
			return nil, err
		}
	}
	outcome, err := readAll(ctx, h, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("sqlstress.data_size_bytes", outcome.DataSizeBytes),
		attribute.Int64("sqlstress.rows", outcome.Rows),
		attribute.Int("sqlstress.result_sets", outcome.ResultSets),
	)
	return outcome, nil
}

func readAll(ctx context.Context, h sqlconn.Handle, query string) (*ExecutionOutcome, error) {
	rows, err := h.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	outcome := &ExecutionOutcome{}
	for {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			outcome.ResultSets++
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			outcome.Rows++
			for _, v := range values {
				outcome.DataSizeBytes += valueSize(v)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return outcome, rows.Err()
}

// valueSize approximates the bytes a column value occupied on the wire.
func valueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	case bool:
		return 1
	case int64, float64, time.Time:
		return 8
	case int32, float32:
		return 4
	}
	return 8
}
