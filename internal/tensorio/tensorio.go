// Package tensorio stores tensors as Arrow IPC streams so fixtures and
// benchmark outputs can be inspected with any Arrow reader.
//
// A stream holds one record with a single "values" column in row-major
// order. Float64 tensors use a Float64 column; every other dtype is stored
// as Float32, which represents float16 and bfloat16 exactly. The schema
// metadata carries the tensor name, its dtype and its shape.
package tensorio

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/tensor"
)

const (
	MetaName  = "natten.name"
	MetaDType = "natten.dtype"
	MetaShape = "natten.shape"

	column = "values"
)

var ErrFormat = errors.New("malformed tensor stream")

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: bad shape %q", ErrFormat, s)
		}
		shape[i] = n
	}
	return shape, nil
}

// Write encodes d under name as a single-record Arrow IPC stream.
func Write(w io.Writer, name string, d tensor.Desc) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	mem := memory.NewGoAllocator()
	values := d.Float64s()

	var arr arrow.Array
	typ := arrow.DataType(arrow.PrimitiveTypes.Float32)
	if d.DType == dtype.Float64 {
		typ = arrow.PrimitiveTypes.Float64
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.AppendValues(values, nil)
		arr = b.NewArray()
	} else {
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.Reserve(len(values))
		for _, v := range values {
			b.UnsafeAppend(float32(v))
		}
		arr = b.NewArray()
	}
	defer arr.Release()

	md := arrow.NewMetadata(
		[]string{MetaName, MetaDType, MetaShape},
		[]string{name, d.DType.String(), formatShape(d.Shape)},
	)
	schema := arrow.NewSchema([]arrow.Field{{Name: column, Type: typ}}, &md)
	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(values)))
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return iw.Close()
}

// Read decodes a stream produced by Write and restores the original dtype.
func Read(r io.Reader) (string, tensor.Desc, error) {
	mem := memory.NewGoAllocator()
	ir, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return "", tensor.Desc{}, fmt.Errorf("open stream: %w", err)
	}
	defer ir.Release()

	md := ir.Schema().Metadata()
	meta := func(k string) string {
		if i := md.FindKey(k); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	name := meta(MetaName)
	dt, err := dtype.Parse(meta(MetaDType))
	if err != nil {
		return name, tensor.Desc{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	shape, err := parseShape(meta(MetaShape))
	if err != nil {
		return name, tensor.Desc{}, err
	}

	out := tensor.Zeros(dt, shape...)
	n := out.NumElements()
	off := 0
	for ir.Next() {
		rec := ir.Record()
		if rec.NumCols() != 1 {
			return name, tensor.Desc{}, fmt.Errorf("%w: %d columns", ErrFormat, rec.NumCols())
		}
		switch col := rec.Column(0).(type) {
		case *array.Float32:
			if off+col.Len() > n {
				return name, tensor.Desc{}, fmt.Errorf("%w: more values than shape %v holds", ErrFormat, shape)
			}
			for i, v := range col.Float32Values() {
				dtype.Set(out.Data, off+i, float64(v))
			}
			off += col.Len()
		case *array.Float64:
			if off+col.Len() > n {
				return name, tensor.Desc{}, fmt.Errorf("%w: more values than shape %v holds", ErrFormat, shape)
			}
			for i, v := range col.Float64Values() {
				dtype.Set(out.Data, off+i, v)
			}
			off += col.Len()
		default:
			return name, tensor.Desc{}, fmt.Errorf("%w: column type %s", ErrFormat, rec.Column(0).DataType())
		}
	}
	if err := ir.Err(); err != nil {
		return name, tensor.Desc{}, fmt.Errorf("read %s: %w", name, err)
	}
	if off != n {
		return name, tensor.Desc{}, fmt.Errorf("%w: %d values for shape %v", ErrFormat, off, shape)
	}
	return name, out, nil
}
