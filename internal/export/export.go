// Package export writes learned instance logs as Arrow IPC streams, one row
// per (learner, instance), for offline analysis of a run.
package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/senutpal/fastquorum/internal/paxos"
)

var ErrSchemaMismatch = errors.New("unexpected learned-log schema")

// Row is one learned instance as seen by one learner.
type Row struct {
	Learner  string
	Instance int64
	Value    []byte
}

// NoOp reports whether the instance was filled with the no-op value.
func (r Row) NoOp() bool { return len(r.Value) == 0 }

// Schema of the learned log:
//
//	learner  string
//	instance int64
//	value    binary
//	noop     bool
func Schema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "learner", Type: arrow.BinaryTypes.String},
			{Name: "instance", Type: arrow.PrimitiveTypes.Int64},
			{Name: "value", Type: arrow.BinaryTypes.Binary},
			{Name: "noop", Type: arrow.FixedWidthTypes.Boolean},
		},
		nil,
	)
}

// Rows flattens a learner snapshot.
func Rows(learner string, log []paxos.LearnedInstance) []Row {
	rows := make([]Row, len(log))
	for i, e := range log {
		rows[i] = Row{Learner: learner, Instance: int64(e.Instance), Value: e.Value}
	}
	return rows
}

// Writer builds record batches of learned rows.
type Writer struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

func NewWriter() *Writer {
	return &Writer{allocator: memory.DefaultAllocator, schema: Schema()}
}

// Record builds one record batch. The caller releases it.
func (w *Writer) Record(rows []Row) arrow.Record {
	builder := array.NewRecordBuilder(w.allocator, w.schema)
	defer builder.Release()

	learners := builder.Field(0).(*array.StringBuilder)
	instances := builder.Field(1).(*array.Int64Builder)
	values := builder.Field(2).(*array.BinaryBuilder)
	noops := builder.Field(3).(*array.BooleanBuilder)

	for _, r := range rows {
		learners.Append(r.Learner)
		instances.Append(r.Instance)
		values.Append(r.Value)
		noops.Append(r.NoOp())
	}
	return builder.NewRecord()
}

// WriteIPC streams rows to out as a single record batch.
func (w *Writer) WriteIPC(out io.Writer, rows []Row) error {
	record := w.Record(rows)
	defer record.Release()

	writer := ipc.NewWriter(out, ipc.WithSchema(w.schema), ipc.WithAllocator(w.allocator))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// ReadIPC reads every record batch of a learned-log stream.
func ReadIPC(in io.Reader) ([]Row, error) {
	reader, err := ipc.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(Schema()) {
		return nil, ErrSchemaMismatch
	}

	var rows []Row
	for reader.Next() {
		record := reader.Record()
		learners, ok1 := record.Column(0).(*array.String)
		instances, ok2 := record.Column(1).(*array.Int64)
		values, ok3 := record.Column(2).(*array.Binary)
		if !ok1 || !ok2 || !ok3 {
			return nil, ErrSchemaMismatch
		}
		for i := 0; i < int(record.NumRows()); i++ {
			rows = append(rows, Row{
				Learner:  learners.Value(i),
				Instance: instances.Value(i),
				// the reader reuses its buffers
				Value: append([]byte{}, values.Value(i)...),
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
