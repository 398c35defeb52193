package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

var (
	ErrDuplicateField = errors.New("duplicate field")
	ErrFieldConflict  = errors.New("field registered with conflicting type")
	ErrSchemaFrozen   = errors.New("schema is frozen")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrUnknownField   = errors.New("unknown field")
)

// FieldType is the logical type of a column
type FieldType uint8

const (
	FieldNumber FieldType = iota
	FieldBoolean
	FieldString
	FieldID
	FieldJSON
)

var fieldTypeNames = map[FieldType]string{
	FieldNumber:  "number",
	FieldBoolean: "boolean",
	FieldString:  "string",
	FieldID:      "id",
	FieldJSON:    "json",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", t)
}

// ParseFieldType accepts the type names used in behavior key schemas.
// Composite JSON-schema types map to FieldJSON.
func ParseFieldType(name string) (FieldType, error) {
	switch strings.ToLower(name) {
	case "number", "integer", "float":
		return FieldNumber, nil
	case "boolean", "bool":
		return FieldBoolean, nil
	case "string":
		return FieldString, nil
	case "id", "uuid":
		return FieldID, nil
	case "json", "any", "object", "list", "array", "struct", "fixed_size_list":
		return FieldJSON, nil
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

// ArrowType returns the physical Arrow type backing t
func (t FieldType) ArrowType() arrow.DataType {
	switch t {
	case FieldNumber:
		return arrow.PrimitiveTypes.Float64
	case FieldBoolean:
		return arrow.FixedWidthTypes.Boolean
	case FieldID:
		return &arrow.FixedSizeBinaryType{ByteWidth: 16}
	default:
		return arrow.BinaryTypes.String
	}
}

// BufferKinds lists the physical buffers a column of type t owns
func (t FieldType) BufferKinds() []sab.BufferKind {
	switch t {
	case FieldString, FieldJSON:
		return []sab.BufferKind{sab.BufferValidity, sab.BufferOffsets, sab.BufferValues}
	default:
		return []sab.BufferKind{sab.BufferValidity, sab.BufferValues}
	}
}

// FieldSpec describes one column
type FieldSpec struct {
	Name     string
	Type     FieldType
	Nullable bool
	// Hidden fields are engine bookkeeping and never reach output.
	Hidden bool
}

// RootFieldSpec is a FieldSpec together with the component that owns it
type RootFieldSpec struct {
	FieldSpec
	Source string
}

const (
	SourceEngine = "engine"
	SourceInit   = "init"
	SourceKeys   = "behavior_keys"
)

// PackageSource is the Source of a field registered by package name
func PackageSource(name string) string {
	return "package:" + name
}

// Built-in agent fields
const (
	AgentIDField        = "agent_id"
	AgentNameField      = "agent_name"
	BehaviorsField      = "behaviors"
	PositionField       = "position"
	DirectionField      = "direction"
	BehaviorIndexField  = "__i_behavior"
	OutboundField       = "messages"
	MessageFromField    = "from"
	MessageContentField = "messages"
)

// AgentFields are present in every agent schema
func AgentFields() []RootFieldSpec {
	return []RootFieldSpec{
		{FieldSpec: FieldSpec{Name: AgentIDField, Type: FieldID}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: AgentNameField, Type: FieldString, Nullable: true}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: BehaviorsField, Type: FieldJSON, Nullable: true}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: PositionField, Type: FieldJSON, Nullable: true}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: DirectionField, Type: FieldJSON, Nullable: true}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: BehaviorIndexField, Type: FieldNumber, Hidden: true}, Source: SourceEngine},
	}
}

// MessageFields make up the message schema. Row i of a message batch holds
// the outbound messages of row i of the matching agent batch.
func MessageFields() []RootFieldSpec {
	return []RootFieldSpec{
		{FieldSpec: FieldSpec{Name: MessageFromField, Type: FieldID}, Source: SourceEngine},
		{FieldSpec: FieldSpec{Name: MessageContentField, Type: FieldJSON, Nullable: true}, Source: SourceEngine},
	}
}

// InferFieldType picks a column type for a decoded JSON value
func InferFieldType(v any) FieldType {
	switch v.(type) {
	case float64, int, int64, int32, uint32, uint64, float32:
		return FieldNumber
	case bool:
		return FieldBoolean
	case string:
		return FieldString
	default:
		return FieldJSON
	}
}
