package batch

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/google/uuid"

	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

// Batch is a columnar table stored in one shared-memory segment.
//
// A Batch is not safe for concurrent use; Pool proxies serialize access.
// Arrays returned by Record and Column point into the segment and must not
// be used after the batch is flushed or reloaded.
type Batch struct {
	seg     *sab.Segment
	schema  *Schema
	dyn     sab.Dynamic
	loaded  sab.Metaversion
	record  arrow.Record
	pending map[int]arrow.Array
}

// NewBatch writes rec into a new segment named under base
func NewBatch(alloc sab.Allocator, base uuid.UUID, schema *Schema, rec arrow.Record) (*Batch, error) {
	if !rec.Schema().Equal(schema.arrow) {
		return nil, fmt.Errorf("%w: record schema differs from batch schema", ErrSchemaMismatch)
	}
	encoded, err := schema.EncodeIPC()
	if err != nil {
		return nil, err
	}
	seg, err := sab.CreateSegment(alloc, base, sab.RegionSizes{
		Schema: len(encoded),
		Header: sab.SIZE_METAVERSION,
		Data:   sab.ALIGNMENT,
	})
	if err != nil {
		return nil, err
	}
	copy(seg.Schema(), encoded)

	columns := make([]sab.ColumnChange, schema.Len())
	for i, spec := range schema.fields {
		change, err := ColumnData(spec.FieldSpec, rec.Column(i))
		if err != nil {
			_ = seg.Unlink()
			return nil, err
		}
		change.Index = i
		columns[i] = change
	}
	dyn, _, err := sab.WriteFresh(seg, schema.static, columns)
	if err != nil {
		_ = seg.Unlink()
		return nil, fmt.Errorf("write batch %s: %w", seg.Name(), err)
	}
	if err := seg.SetPersistedMetaversion(sab.InitialMetaversion); err != nil {
		_ = seg.Unlink()
		return nil, err
	}
	return &Batch{seg: seg, schema: schema, dyn: dyn, loaded: sab.InitialMetaversion}, nil
}

// NewBatchFromRows builds a record from rows and writes it to a new segment
func NewBatchFromRows(alloc sab.Allocator, base uuid.UUID, schema *Schema, rows []map[string]any) (*Batch, error) {
	rec, err := BuildRecord(schema, rows)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return NewBatch(alloc, base, schema, rec)
}

// OpenBatch attaches to a batch written by another handle. The schema is
// read from the segment.
func OpenBatch(alloc sab.Allocator, name string) (*Batch, error) {
	seg, err := sab.OpenSegment(alloc, name)
	if err != nil {
		return nil, err
	}
	schema, err := DecodeSchemaIPC(seg.Schema())
	if err != nil {
		_ = seg.Close()
		return nil, err
	}
	b := &Batch{seg: seg, schema: schema}
	if err := b.load(); err != nil {
		_ = seg.Close()
		return nil, err
	}
	return b, nil
}

func (b *Batch) load() error {
	mv, err := b.seg.PersistedMetaversion()
	if err != nil {
		return err
	}
	dyn, err := sab.DecodeDynamic(b.seg.Meta())
	if err != nil {
		return fmt.Errorf("batch %s: %w", b.seg.Name(), err)
	}
	if err := dyn.Validate(b.schema.static, len(b.seg.Data())); err != nil {
		return fmt.Errorf("batch %s: %w", b.seg.Name(), err)
	}
	b.dyn = dyn
	b.loaded = mv
	return nil
}

func (b *Batch) Name() string {
	return b.seg.Name()
}

func (b *Batch) Schema() *Schema {
	return b.schema
}

func (b *Batch) NumRows() int {
	return b.dyn.Length
}

func (b *Batch) Segment() *sab.Segment {
	return b.seg
}

// Metaversion is the version this handle last loaded or wrote
func (b *Batch) Metaversion() sab.Metaversion {
	return b.loaded
}

// IsStale reports whether another handle wrote the batch since this one
// last loaded it.
func (b *Batch) IsStale() (bool, error) {
	persisted, err := b.seg.PersistedMetaversion()
	if err != nil {
		return false, err
	}
	return persisted.NewerThan(b.loaded) || persisted.MemoryChanged(b.loaded), nil
}

// Reload re-reads metadata after a write through another handle. Cached
// arrays are dropped since the buffers may have moved.
func (b *Batch) Reload() error {
	persisted, err := b.seg.PersistedMetaversion()
	if err != nil {
		return err
	}
	if persisted.MemoryChanged(b.loaded) {
		if _, err := b.seg.Refresh(); err != nil {
			return err
		}
	}
	b.dropRecord()
	return b.load()
}

func (b *Batch) dropRecord() {
	if b.record != nil {
		b.record.Release()
		b.record = nil
	}
}

func (b *Batch) ensureFresh() error {
	stale, err := b.IsStale()
	if err != nil {
		return err
	}
	if stale {
		return b.Reload()
	}
	return nil
}

// Record returns the batch as an Arrow record over segment memory
func (b *Batch) Record() (arrow.Record, error) {
	if err := b.ensureFresh(); err != nil {
		return nil, err
	}
	if b.record != nil {
		return b.record, nil
	}
	data := b.seg.Data()
	cols := make([]arrow.Array, b.schema.Len())
	for i, spec := range b.schema.fields {
		bufs := sab.ColumnBuffers(data, b.schema.static, b.dyn, i)
		cols[i] = ArrayFromBuffers(spec.FieldSpec, b.dyn.Nodes[i], bufs)
	}
	b.record = array.NewRecord(b.schema.arrow, cols, int64(b.dyn.Length))
	for _, c := range cols {
		c.Release()
	}
	return b.record, nil
}

// Column returns one column of the current record
func (b *Batch) Column(name string) (arrow.Array, error) {
	i := b.schema.Index(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	rec, err := b.Record()
	if err != nil {
		return nil, err
	}
	return rec.Column(i), nil
}

// Rows decodes the batch into row maps
func (b *Batch) Rows(includeHidden bool) ([]map[string]any, error) {
	rec, err := b.Record()
	if err != nil {
		return nil, err
	}
	return RowsFromRecord(b.schema, rec, includeHidden)
}

// SetColumn stages a replacement column. It is written by Flush.
func (b *Batch) SetColumn(name string, arr arrow.Array) error {
	i := b.schema.Index(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if !arrow.TypeEqual(arr.DataType(), b.schema.fields[i].Type.ArrowType()) {
		return fmt.Errorf("%w: field %q wants %s, got %s", ErrSchemaMismatch, name, b.schema.fields[i].Type.ArrowType(), arr.DataType())
	}
	if b.pending == nil {
		b.pending = make(map[int]arrow.Array)
	}
	if old, ok := b.pending[i]; ok {
		old.Release()
	}
	arr.Retain()
	b.pending[i] = arr
	return nil
}

// SetColumnValues stages a column built from decoded values
func (b *Batch) SetColumnValues(name string, values []any) error {
	spec, ok := b.schema.Field(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	arr, err := ColumnFromValues(spec.FieldSpec, values)
	if err != nil {
		return err
	}
	defer arr.Release()
	return b.SetColumn(name, arr)
}

// ReplaceRecord stages every column of rec
func (b *Batch) ReplaceRecord(rec arrow.Record) error {
	if !rec.Schema().Equal(b.schema.arrow) {
		return fmt.Errorf("%w: record schema differs from batch schema", ErrSchemaMismatch)
	}
	for i, spec := range b.schema.fields {
		if err := b.SetColumn(spec.Name, rec.Column(i)); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceRows stages rows as the full contents of the batch
func (b *Batch) ReplaceRows(rows []map[string]any) error {
	rec, err := BuildRecord(b.schema, rows)
	if err != nil {
		return err
	}
	defer rec.Release()
	return b.ReplaceRecord(rec)
}

// Pending reports whether staged columns await a Flush
func (b *Batch) Pending() bool {
	return len(b.pending) > 0
}

// Discard drops staged columns
func (b *Batch) Discard() {
	for _, arr := range b.pending {
		arr.Release()
	}
	b.pending = nil
}

// Flush writes staged columns into the segment and publishes a new
// metaversion.
func (b *Batch) Flush() (sab.BufferChange, error) {
	if len(b.pending) == 0 {
		return sab.BufferChange{}, nil
	}
	changes := make([]sab.ColumnChange, 0, len(b.pending))
	for i, arr := range b.pending {
		change, err := ColumnData(b.schema.fields[i].FieldSpec, arr)
		if err != nil {
			return sab.BufferChange{}, err
		}
		change.Index = i
		changes = append(changes, change)
	}

	// Staged arrays may point into the segment, so they are copied out
	// before anything can move.
	if err := b.ensureFresh(); err != nil {
		return sab.BufferChange{}, err
	}
	b.dropRecord()
	dyn, change, err := sab.Flush(b.seg, b.schema.static, b.dyn, changes)
	if err != nil {
		return change, fmt.Errorf("flush batch %s: %w", b.seg.Name(), err)
	}
	b.Discard()
	b.dyn = dyn

	if change.Resized {
		b.loaded.Increment()
	} else {
		b.loaded.IncrementBatch()
	}
	if err := b.seg.SetPersistedMetaversion(b.loaded); err != nil {
		return change, err
	}
	return change, nil
}

// Close releases this handle's mapping
func (b *Batch) Close() error {
	b.dropRecord()
	b.Discard()
	return b.seg.Close()
}

// Unlink releases the mapping and removes the segment
func (b *Batch) Unlink() error {
	b.dropRecord()
	b.Discard()
	return b.seg.Unlink()
}
