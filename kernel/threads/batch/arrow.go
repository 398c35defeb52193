package batch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/bitutil"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"

	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

var mem = memory.DefaultAllocator

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toUUID(v any) (uuid.UUID, error) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, nil
	case string:
		return uuid.Parse(id)
	case []byte:
		return uuid.FromBytes(id)
	}
	return uuid.Nil, fmt.Errorf("cannot use %T as an id", v)
}

// ColumnFromValues builds an Arrow array of spec's type from decoded values.
// nil is stored as null.
func ColumnFromValues(spec FieldSpec, values []any) (arrow.Array, error) {
	mismatch := func(i int, v any) error {
		return fmt.Errorf("%w: field %q row %d: cannot store %T as %s", ErrSchemaMismatch, spec.Name, i, v, spec.Type)
	}
	null := func(i int) error {
		if !spec.Nullable {
			return fmt.Errorf("%w: field %q row %d is null", ErrSchemaMismatch, spec.Name, i)
		}
		return nil
	}

	switch spec.Type {
	case FieldNumber:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for i, v := range values {
			if v == nil {
				if err := null(i); err != nil {
					return nil, err
				}
				b.AppendNull()
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				return nil, mismatch(i, v)
			}
			b.Append(f)
		}
		return b.NewArray(), nil

	case FieldBoolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for i, v := range values {
			if v == nil {
				if err := null(i); err != nil {
					return nil, err
				}
				b.AppendNull()
				continue
			}
			val, ok := v.(bool)
			if !ok {
				return nil, mismatch(i, v)
			}
			b.Append(val)
		}
		return b.NewArray(), nil

	case FieldID:
		b := array.NewFixedSizeBinaryBuilder(mem, &arrow.FixedSizeBinaryType{ByteWidth: 16})
		defer b.Release()
		for i, v := range values {
			if v == nil {
				if err := null(i); err != nil {
					return nil, err
				}
				b.AppendNull()
				continue
			}
			id, err := toUUID(v)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q row %d: %v", ErrSchemaMismatch, spec.Name, i, err)
			}
			b.Append(id[:])
		}
		return b.NewArray(), nil

	case FieldString:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for i, v := range values {
			if v == nil {
				if err := null(i); err != nil {
					return nil, err
				}
				b.AppendNull()
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, mismatch(i, v)
			}
			b.Append(s)
		}
		return b.NewArray(), nil

	default:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for i, v := range values {
			if v == nil {
				if err := null(i); err != nil {
					return nil, err
				}
				b.AppendNull()
				continue
			}
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q row %d: %v", ErrSchemaMismatch, spec.Name, i, err)
			}
			b.Append(string(encoded))
		}
		return b.NewArray(), nil
	}
}

// BuildRecord converts rows into a record of schema. Keys missing from a
// row are null; keys unknown to the schema are ignored.
func BuildRecord(schema *Schema, rows []map[string]any) (arrow.Record, error) {
	cols := make([]arrow.Array, schema.Len())
	release := func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}
	values := make([]any, len(rows))
	for i, spec := range schema.fields {
		for r, row := range rows {
			values[r] = row[spec.Name]
		}
		arr, err := ColumnFromValues(spec.FieldSpec, values)
		if err != nil {
			release()
			return nil, err
		}
		cols[i] = arr
	}
	rec := array.NewRecord(schema.arrow, cols, int64(len(rows)))
	release()
	return rec, nil
}

// ValueAt decodes row i of arr. Nulls decode to nil.
func ValueAt(spec FieldSpec, arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.FixedSizeBinary:
		id, err := uuid.FromBytes(a.Value(i))
		if err != nil {
			return nil, fmt.Errorf("%w: field %q row %d: %v", ErrSchemaMismatch, spec.Name, i, err)
		}
		return id.String(), nil
	case *array.String:
		if spec.Type != FieldJSON {
			return a.Value(i), nil
		}
		var v any
		if err := json.Unmarshal([]byte(a.Value(i)), &v); err != nil {
			return nil, fmt.Errorf("%w: field %q row %d: %v", ErrSchemaMismatch, spec.Name, i, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: field %q has arrow type %s", ErrSchemaMismatch, spec.Name, arr.DataType())
}

// RowsFromRecord decodes every row of rec. Hidden fields are included only
// when includeHidden is set.
func RowsFromRecord(schema *Schema, rec arrow.Record, includeHidden bool) ([]map[string]any, error) {
	n := int(rec.NumRows())
	rows := make([]map[string]any, n)
	for r := range rows {
		rows[r] = make(map[string]any, schema.Len())
	}
	for c, spec := range schema.fields {
		if spec.Hidden && !includeHidden {
			continue
		}
		col := rec.Column(c)
		for r := 0; r < n; r++ {
			v, err := ValueAt(spec.FieldSpec, col, r)
			if err != nil {
				return nil, err
			}
			if v != nil {
				rows[r][spec.Name] = v
			}
		}
	}
	return rows, nil
}

// ColumnData lays out arr as the physical buffers of spec's column. The
// validity buffer is nil when there are no nulls.
func ColumnData(spec FieldSpec, arr arrow.Array) (sab.ColumnChange, error) {
	n := arr.Len()
	change := sab.ColumnChange{Node: sab.Node{Length: n, NullCount: arr.NullN()}}

	var validity []byte
	if arr.NullN() > 0 {
		validity = make([]byte, bitutil.BytesForBits(int64(n)))
		for i := 0; i < n; i++ {
			if arr.IsValid(i) {
				bitutil.SetBit(validity, i)
			}
		}
	}

	wrongType := fmt.Errorf("%w: field %q is %s, array is %s", ErrSchemaMismatch, spec.Name, spec.Type, arr.DataType())
	switch spec.Type {
	case FieldNumber:
		a, ok := arr.(*array.Float64)
		if !ok {
			return change, wrongType
		}
		values := make([]byte, 8*n)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(values[8*i:], math.Float64bits(a.Value(i)))
		}
		change.Buffers = [][]byte{validity, values}

	case FieldBoolean:
		a, ok := arr.(*array.Boolean)
		if !ok {
			return change, wrongType
		}
		values := make([]byte, bitutil.BytesForBits(int64(n)))
		for i := 0; i < n; i++ {
			if a.Value(i) {
				bitutil.SetBit(values, i)
			}
		}
		change.Buffers = [][]byte{validity, values}

	case FieldID:
		a, ok := arr.(*array.FixedSizeBinary)
		if !ok {
			return change, wrongType
		}
		values := make([]byte, 16*n)
		for i := 0; i < n; i++ {
			if arr.IsValid(i) {
				copy(values[16*i:16*i+16], a.Value(i))
			}
		}
		change.Buffers = [][]byte{validity, values}

	default:
		a, ok := arr.(*array.String)
		if !ok {
			return change, wrongType
		}
		offsets := make([]byte, 4*(n+1))
		var data []byte
		for i := 0; i < n; i++ {
			if arr.IsValid(i) {
				data = append(data, a.Value(i)...)
			}
			binary.LittleEndian.PutUint32(offsets[4*(i+1):], uint32(len(data)))
		}
		if data == nil {
			data = []byte{}
		}
		change.Buffers = [][]byte{validity, offsets, data}
	}
	return change, nil
}

// ArrayFromBuffers wraps column buffers as an Arrow array without copying.
// The array is only valid while the buffers are.
func ArrayFromBuffers(spec FieldSpec, node sab.Node, bufs [][]byte) arrow.Array {
	buffers := make([]*memory.Buffer, len(bufs))
	for i, b := range bufs {
		buffers[i] = memory.NewBufferBytes(b)
	}
	if node.NullCount == 0 {
		buffers[0] = nil
	}
	data := array.NewData(spec.Type.ArrowType(), node.Length, buffers, nil, node.NullCount, 0)
	defer data.Release()
	return array.MakeFromData(data)
}

// CheckValue reports whether v can be stored in a column of spec
func CheckValue(spec FieldSpec, v any) error {
	if v == nil {
		if !spec.Nullable {
			return fmt.Errorf("%w: field %q cannot be null", ErrSchemaMismatch, spec.Name)
		}
		return nil
	}
	ok := true
	switch spec.Type {
	case FieldNumber:
		_, ok = toFloat(v)
	case FieldBoolean:
		_, ok = v.(bool)
	case FieldString:
		_, ok = v.(string)
	case FieldID:
		_, err := toUUID(v)
		ok = err == nil
	default:
		_, err := json.Marshal(v)
		ok = err == nil
	}
	if !ok {
		return fmt.Errorf("%w: field %q is %s, got %T", ErrSchemaMismatch, spec.Name, spec.Type, v)
	}
	return nil
}
