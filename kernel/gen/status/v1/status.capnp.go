// Accessors for status.capnp in the layout capnpc-go emits for capnproto2 v2.
// Keep field offsets in step with the schema when either changes.

package status

import (
	capnp "zombiezen.com/go/capnproto2"
)

type EngineStatus struct{ capnp.Struct }

// EngineStatus_TypeID is the unique identifier for the type EngineStatus.
const EngineStatus_TypeID = 0xe1a7f03c5b9d2284

var engineStatusSize = capnp.ObjectSize{DataSize: 16, PointerCount: 4}

func NewEngineStatus(s *capnp.Segment) (EngineStatus, error) {
	st, err := capnp.NewStruct(s, engineStatusSize)
	return EngineStatus{st}, err
}

func NewRootEngineStatus(s *capnp.Segment) (EngineStatus, error) {
	st, err := capnp.NewRootStruct(s, engineStatusSize)
	return EngineStatus{st}, err
}

func ReadRootEngineStatus(msg *capnp.Message) (EngineStatus, error) {
	root, err := msg.RootPtr()
	return EngineStatus{root.Struct()}, err
}

func (s EngineStatus) Kind() EngineStatus_Kind {
	return EngineStatus_Kind(s.Struct.Uint16(0))
}

func (s EngineStatus) SetKind(v EngineStatus_Kind) {
	s.Struct.SetUint16(0, uint16(v))
}

func (s EngineStatus) Running() bool {
	return s.Struct.Bit(16)
}

func (s EngineStatus) SetRunning(v bool) {
	s.Struct.SetBit(16, v)
}

func (s EngineStatus) StopSignal() bool {
	return s.Struct.Bit(17)
}

func (s EngineStatus) SetStopSignal(v bool) {
	s.Struct.SetBit(17, v)
}

func (s EngineStatus) SimId() uint32 {
	return s.Struct.Uint32(4)
}

func (s EngineStatus) SetSimId(v uint32) {
	s.Struct.SetUint32(4, v)
}

func (s EngineStatus) Steps() int64 {
	return int64(s.Struct.Uint64(8))
}

func (s EngineStatus) SetSteps(v int64) {
	s.Struct.SetUint64(8, uint64(v))
}

func (s EngineStatus) Message() (string, error) {
	p, err := s.Struct.Ptr(0)
	return p.Text(), err
}

func (s EngineStatus) HasMessage() bool {
	p, err := s.Struct.Ptr(0)
	return p.IsValid() || err != nil
}

func (s EngineStatus) SetMessage(v string) error {
	return s.Struct.SetText(0, v)
}

func (s EngineStatus) Payload() ([]byte, error) {
	p, err := s.Struct.Ptr(1)
	return []byte(p.Data()), err
}

func (s EngineStatus) HasPayload() bool {
	p, err := s.Struct.Ptr(1)
	return p.IsValid() || err != nil
}

func (s EngineStatus) SetPayload(v []byte) error {
	return s.Struct.SetData(1, v)
}

func (s EngineStatus) Diagnostics() (Diagnostic_List, error) {
	p, err := s.Struct.Ptr(2)
	return Diagnostic_List{List: p.List()}, err
}

func (s EngineStatus) HasDiagnostics() bool {
	p, err := s.Struct.Ptr(2)
	return p.IsValid() || err != nil
}

func (s EngineStatus) SetDiagnostics(v Diagnostic_List) error {
	return s.Struct.SetPtr(2, v.List.ToPtr())
}

// NewDiagnostics sets the diagnostics field to a newly
// allocated Diagnostic_List, preferring placement in s's segment.
func (s EngineStatus) NewDiagnostics(n int32) (Diagnostic_List, error) {
	l, err := NewDiagnostic_List(s.Struct.Segment(), n)
	if err != nil {
		return Diagnostic_List{}, err
	}
	err = s.Struct.SetPtr(2, l.List.ToPtr())
	return l, err
}

func (s EngineStatus) Logs() (capnp.TextList, error) {
	p, err := s.Struct.Ptr(3)
	return capnp.TextList{List: p.List()}, err
}

func (s EngineStatus) HasLogs() bool {
	p, err := s.Struct.Ptr(3)
	return p.IsValid() || err != nil
}

func (s EngineStatus) SetLogs(v capnp.TextList) error {
	return s.Struct.SetPtr(3, v.List.ToPtr())
}

// NewLogs sets the logs field to a newly
// allocated capnp.TextList, preferring placement in s's segment.
func (s EngineStatus) NewLogs(n int32) (capnp.TextList, error) {
	l, err := capnp.NewTextList(s.Struct.Segment(), n)
	if err != nil {
		return capnp.TextList{}, err
	}
	err = s.Struct.SetPtr(3, l.List.ToPtr())
	return l, err
}

type EngineStatus_Kind uint16

// EngineStatus_Kind_TypeID is the unique identifier for the type EngineStatus_Kind.
const EngineStatus_Kind_TypeID = 0xb37c1d5e92a8f046

// Values of EngineStatus_Kind.
const (
	EngineStatus_Kind_started        EngineStatus_Kind = 0
	EngineStatus_Kind_simStart       EngineStatus_Kind = 1
	EngineStatus_Kind_simStatus      EngineStatus_Kind = 2
	EngineStatus_Kind_simStop        EngineStatus_Kind = 3
	EngineStatus_Kind_runnerErrors   EngineStatus_Kind = 4
	EngineStatus_Kind_runnerWarnings EngineStatus_Kind = 5
	EngineStatus_Kind_userErrors     EngineStatus_Kind = 6
	EngineStatus_Kind_userWarnings   EngineStatus_Kind = 7
	EngineStatus_Kind_packageError   EngineStatus_Kind = 8
	EngineStatus_Kind_logs           EngineStatus_Kind = 9
	EngineStatus_Kind_exit           EngineStatus_Kind = 10
	EngineStatus_Kind_stopping       EngineStatus_Kind = 11
	EngineStatus_Kind_processError   EngineStatus_Kind = 12
	EngineStatus_Kind_init           EngineStatus_Kind = 13
)

// String returns the enum's constant name.
func (c EngineStatus_Kind) String() string {
	switch c {
	case EngineStatus_Kind_started:
		return "started"
	case EngineStatus_Kind_simStart:
		return "simStart"
	case EngineStatus_Kind_simStatus:
		return "simStatus"
	case EngineStatus_Kind_simStop:
		return "simStop"
	case EngineStatus_Kind_runnerErrors:
		return "runnerErrors"
	case EngineStatus_Kind_runnerWarnings:
		return "runnerWarnings"
	case EngineStatus_Kind_userErrors:
		return "userErrors"
	case EngineStatus_Kind_userWarnings:
		return "userWarnings"
	case EngineStatus_Kind_packageError:
		return "packageError"
	case EngineStatus_Kind_logs:
		return "logs"
	case EngineStatus_Kind_exit:
		return "exit"
	case EngineStatus_Kind_stopping:
		return "stopping"
	case EngineStatus_Kind_processError:
		return "processError"
	case EngineStatus_Kind_init:
		return "init"

	default:
		return ""
	}
}

type Diagnostic struct{ capnp.Struct }

// Diagnostic_TypeID is the unique identifier for the type Diagnostic.
const Diagnostic_TypeID = 0x9f2d46c8a1e57b30

var diagnosticSize = capnp.ObjectSize{DataSize: 0, PointerCount: 2}

func NewDiagnostic(s *capnp.Segment) (Diagnostic, error) {
	st, err := capnp.NewStruct(s, diagnosticSize)
	return Diagnostic{st}, err
}

func (s Diagnostic) Message() (string, error) {
	p, err := s.Struct.Ptr(0)
	return p.Text(), err
}

func (s Diagnostic) SetMessage(v string) error {
	return s.Struct.SetText(0, v)
}

func (s Diagnostic) Location() (string, error) {
	p, err := s.Struct.Ptr(1)
	return p.Text(), err
}

func (s Diagnostic) SetLocation(v string) error {
	return s.Struct.SetText(1, v)
}

// Diagnostic_List is a list of Diagnostic.
type Diagnostic_List struct{ capnp.List }

// NewDiagnostic_List creates a new list of Diagnostic.
func NewDiagnostic_List(s *capnp.Segment, sz int32) (Diagnostic_List, error) {
	l, err := capnp.NewCompositeList(s, diagnosticSize, sz)
	return Diagnostic_List{l}, err
}

func (s Diagnostic_List) At(i int) Diagnostic { return Diagnostic{s.List.Struct(i)} }

func (s Diagnostic_List) Set(i int, v Diagnostic) error { return s.List.SetStruct(i, v.Struct) }
