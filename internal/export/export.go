// Package export serializes averaged attention maps for offline analysis,
// as CBOR documents or Arrow IPC streams.
package export

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/promptweave/internal/attention"
)

// Layer is one averaged attention tensor in the export layout.
type Layer struct {
	Key     string    `cbor:"key"`
	Layer   int       `cbor:"layer"`
	Batch   int       `cbor:"batch"`
	Heads   int       `cbor:"heads"`
	Queries int       `cbor:"queries"`
	Keys    int       `cbor:"keys"`
	Data    []float64 `cbor:"data"`
}

// Document is the full CBOR export: every accumulator key's layers plus the
// prompts that produced them.
type Document struct {
	Prompts []string `cbor:"prompts"`
	Steps   int      `cbor:"steps"`
	Layers  []Layer  `cbor:"layers"`
}

// Collect flattens the accumulator's averaged maps into the export layout,
// in stable key order.
func Collect(acc *attention.Accumulator, prompts []string) *Document {
	avg := acc.Average()
	doc := &Document{Prompts: prompts, Steps: acc.Steps()}
	for _, k := range attention.Keys() {
		for i, m := range avg[k] {
			rows, cols := m.Data.Dims()
			data := make([]float64, rows*cols)
			copy(data, m.Data.Data())
			doc.Layers = append(doc.Layers, Layer{
				Key:     k.String(),
				Layer:   i,
				Batch:   m.Batch,
				Heads:   m.Heads,
				Queries: m.Queries,
				Keys:    m.Keys,
				Data:    data,
			})
		}
	}
	return doc
}

// WriteCBOR encodes the document onto w.
func WriteCBOR(w io.Writer, doc *Document) error {
	return cbor.NewEncoder(w).Encode(doc)
}

// ReadCBOR decodes a document written by WriteCBOR.
func ReadCBOR(r io.Reader) (*Document, error) {
	var doc Document
	if err := cbor.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// WriteArrow streams the document as one Arrow record batch: a row per
// layer, the tensor flattened into a list column.
func WriteArrow(w io.Writer, doc *Document) error {
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "key", Type: arrow.BinaryTypes.String},
			{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
			{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
			{Name: "heads", Type: arrow.PrimitiveTypes.Int32},
			{Name: "queries", Type: arrow.PrimitiveTypes.Int32},
			{Name: "keys", Type: arrow.PrimitiveTypes.Int32},
			{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)

	pool := memory.NewGoAllocator()
	keyBuilder := array.NewStringBuilder(pool)
	defer keyBuilder.Release()
	layerBuilder := array.NewInt32Builder(pool)
	defer layerBuilder.Release()
	batchBuilder := array.NewInt32Builder(pool)
	defer batchBuilder.Release()
	headsBuilder := array.NewInt32Builder(pool)
	defer headsBuilder.Release()
	queriesBuilder := array.NewInt32Builder(pool)
	defer queriesBuilder.Release()
	keysBuilder := array.NewInt32Builder(pool)
	defer keysBuilder.Release()
	dataBuilder := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float64)
	defer dataBuilder.Release()
	floatBuilder := dataBuilder.ValueBuilder().(*array.Float64Builder)

	for _, l := range doc.Layers {
		keyBuilder.Append(l.Key)
		layerBuilder.Append(int32(l.Layer))
		batchBuilder.Append(int32(l.Batch))
		headsBuilder.Append(int32(l.Heads))
		queriesBuilder.Append(int32(l.Queries))
		keysBuilder.Append(int32(l.Keys))
		dataBuilder.Append(true)
		floatBuilder.AppendValues(l.Data, nil)
	}

	cols := []arrow.Array{
		keyBuilder.NewArray(),
		layerBuilder.NewArray(),
		batchBuilder.NewArray(),
		headsBuilder.NewArray(),
		queriesBuilder.NewArray(),
		keysBuilder.NewArray(),
		dataBuilder.NewArray(),
	}
	for _, c := range cols {
		defer c.Release()
	}

	rec := array.NewRecordBatch(schema, cols, int64(len(doc.Layers)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
