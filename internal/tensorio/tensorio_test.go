package tensorio

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/tensor"
)

func TestStreamKeepsDTypeAndShape(t *testing.T) {
	for _, dt := range dtype.All {
		t.Run(dt.String(), func(t *testing.T) {
			src := tensor.Zeros(dt, 2, 3, 4)
			i := 0
			src.Each(func(idx []int) {
				src.Set(float64(i)/8-1, idx...)
				i++
			})

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, "scores", src))
			name, got, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, "scores", name)
			assert.Equal(t, dt, got.DType)
			assert.Equal(t, []int{2, 3, 4}, got.Shape)
			assert.Equal(t, src.Float64s(), got.Float64s())
		})
	}
}

func TestWriteUsesLogicalOrder(t *testing.T) {
	d := tensor.New([]float32{0, 1, 2, 3, 4, 5}, 2, 3).Permute(1, 0)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "t", d))
	_, got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, got.Shape)
	assert.Equal(t, []float64{0, 3, 1, 4, 2, 5}, got.Float64s())
}

func TestStreamIsPlainArrow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "values", tensor.New([]float64{1, 2, 3}, 3)))

	r, err := ipc.NewReader(&buf, ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer r.Release()
	assert.Equal(t, arrow.PrimitiveTypes.Float64, r.Schema().Field(0).Type)
	require.True(t, r.Next())
	assert.Equal(t, []float64{1, 2, 3}, r.Record().Column(0).(*array.Float64).Float64Values())
}

func TestReadRejectsShapeMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	md := arrow.NewMetadata([]string{MetaName, MetaDType, MetaShape}, []string{"bad", "float32", "2,2"})
	schema := arrow.NewSchema([]arrow.Field{{Name: column, Type: arrow.PrimitiveTypes.Float32}}, &md)
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.AppendValues([]float32{1, 2, 3}, nil)
	arr := b.NewArray()
	defer arr.Release()
	rec := array.NewRecord(schema, []arrow.Array{arr}, 3)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	_, _, err := Read(&buf)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, _, err := Read(bytes.NewReader([]byte("not arrow")))
	assert.Error(t, err)
}
