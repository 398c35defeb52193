package batch

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/ipc"

	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

const (
	metaType   = "sim.type"
	metaSource = "sim.source"
	metaHidden = "sim.hidden"
)

// Schema is an ordered, immutable set of fields
type Schema struct {
	fields []RootFieldSpec
	index  map[string]int
	arrow  *arrow.Schema
	static sab.Static
}

// NewSchema builds a schema from specs in order
func NewSchema(specs []RootFieldSpec) (*Schema, error) {
	s := &Schema{
		fields: make([]RootFieldSpec, len(specs)),
		index:  make(map[string]int, len(specs)),
	}
	copy(s.fields, specs)

	arrowFields := make([]arrow.Field, len(specs))
	s.static.Columns = make([]sab.ColumnLayout, len(specs))
	for i, spec := range specs {
		if _, ok := s.index[spec.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, spec.Name)
		}
		s.index[spec.Name] = i
		arrowFields[i] = arrow.Field{
			Name:     spec.Name,
			Type:     spec.Type.ArrowType(),
			Nullable: spec.Nullable,
			Metadata: arrow.NewMetadata(
				[]string{metaType, metaSource, metaHidden},
				[]string{spec.Type.String(), spec.Source, strconv.FormatBool(spec.Hidden)},
			),
		}
		s.static.Columns[i] = sab.ColumnLayout{Name: spec.Name, Buffers: spec.Type.BufferKinds()}
	}
	s.arrow = arrow.NewSchema(arrowFields, nil)
	return s, nil
}

// SchemaFromArrow rebuilds a Schema from an Arrow schema carrying field
// metadata written by NewSchema.
func SchemaFromArrow(as *arrow.Schema) (*Schema, error) {
	specs := make([]RootFieldSpec, as.NumFields())
	for i, f := range as.Fields() {
		typeName, ok := metadataValue(f.Metadata, metaType)
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no type metadata", ErrSchemaMismatch, f.Name)
		}
		ft, err := ParseFieldType(typeName)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrSchemaMismatch, f.Name, err)
		}
		source, _ := metadataValue(f.Metadata, metaSource)
		hidden, _ := metadataValue(f.Metadata, metaHidden)
		specs[i] = RootFieldSpec{
			FieldSpec: FieldSpec{Name: f.Name, Type: ft, Nullable: f.Nullable, Hidden: hidden == "true"},
			Source:    source,
		}
	}
	return NewSchema(specs)
}

func metadataValue(md arrow.Metadata, key string) (string, bool) {
	i := md.FindKey(key)
	if i < 0 {
		return "", false
	}
	return md.Values()[i], true
}

// Fields returns the field specs in column order
func (s *Schema) Fields() []RootFieldSpec {
	out := make([]RootFieldSpec, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks a field up by name
func (s *Schema) Field(name string) (RootFieldSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return RootFieldSpec{}, false
	}
	return s.fields[i], true
}

// Index returns the column index of name or -1
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

func (s *Schema) Len() int {
	return len(s.fields)
}

func (s *Schema) Arrow() *arrow.Schema {
	return s.arrow
}

func (s *Schema) Static() sab.Static {
	return s.static
}

func (s *Schema) Equal(other *Schema) bool {
	return s.arrow.Equal(other.arrow)
}

// EncodeIPC serializes the schema as an Arrow IPC stream with no batches
func (s *Schema) EncodeIPC() ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(s.arrow))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSchemaIPC reads a schema written by EncodeIPC
func DecodeSchemaIPC(data []byte) (*Schema, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	defer r.Release()
	return SchemaFromArrow(r.Schema())
}

// FieldSpecMap collects field registrations from every component before
// the schema of a run is frozen.
type FieldSpecMap struct {
	mu     sync.Mutex
	fields map[string]RootFieldSpec
	order  []string
	frozen bool
}

// NewFieldSpecMap creates a map pre-populated with base fields
func NewFieldSpecMap(base ...RootFieldSpec) *FieldSpecMap {
	m := &FieldSpecMap{fields: make(map[string]RootFieldSpec)}
	for _, f := range base {
		_ = m.Register(f)
	}
	return m
}

// Register adds a field. Registering the same name twice with the same
// type is a no-op.
func (m *FieldSpecMap) Register(spec RootFieldSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrSchemaFrozen, spec.Name)
	}
	if existing, ok := m.fields[spec.Name]; ok {
		if existing.Type != spec.Type {
			return fmt.Errorf("%w: %q is %s (from %s), %s wants %s",
				ErrFieldConflict, spec.Name, existing.Type, existing.Source, spec.Source, spec.Type)
		}
		if spec.Nullable && !existing.Nullable {
			existing.Nullable = true
			m.fields[spec.Name] = existing
		}
		return nil
	}
	m.fields[spec.Name] = spec
	m.order = append(m.order, spec.Name)
	return nil
}

// Has reports whether name is registered
func (m *FieldSpecMap) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.fields[name]
	return ok
}

// Freeze builds the schema. Engine fields come first in registration order,
// the rest are sorted by name so every worker derives the same layout.
func (m *FieldSpecMap) Freeze() (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true

	var engine, rest []RootFieldSpec
	for _, name := range m.order {
		f := m.fields[name]
		if f.Source == SourceEngine {
			engine = append(engine, f)
		} else {
			rest = append(rest, f)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	return NewSchema(append(engine, rest...))
}
