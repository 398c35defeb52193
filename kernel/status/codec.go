package status

import (
	"fmt"

	capnp "zombiezen.com/go/capnproto2"

	wire "github.com/nmxmxh/simkernel/kernel/gen/status/v1"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
)

// Encode serializes s as a Cap'n Proto message
func Encode(s Status) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	st, err := wire.NewRootEngineStatus(seg)
	if err != nil {
		return nil, err
	}
	st.SetKind(wire.EngineStatus_Kind(s.Kind))
	st.SetSimId(uint32(s.SimID))
	st.SetSteps(s.Steps)
	st.SetRunning(s.Running)
	st.SetStopSignal(s.StopSignal)
	if s.Message != "" {
		if err := st.SetMessage(s.Message); err != nil {
			return nil, err
		}
	}
	if len(s.Payload) > 0 {
		if err := st.SetPayload(s.Payload); err != nil {
			return nil, err
		}
	}
	if len(s.Diagnostics) > 0 {
		list, err := st.NewDiagnostics(int32(len(s.Diagnostics)))
		if err != nil {
			return nil, err
		}
		for i, d := range s.Diagnostics {
			item := list.At(i)
			if err := item.SetMessage(d.Message); err != nil {
				return nil, err
			}
			if d.Location != "" {
				if err := item.SetLocation(d.Location); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(s.Logs) > 0 {
		logs, err := st.NewLogs(int32(len(s.Logs)))
		if err != nil {
			return nil, err
		}
		for i, line := range s.Logs {
			if err := logs.Set(i, line); err != nil {
				return nil, err
			}
		}
	}
	return msg.Marshal()
}

// Decode is the inverse of Encode
func Decode(data []byte) (Status, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return Status{}, fmt.Errorf("unmarshal status: %w", err)
	}
	st, err := wire.ReadRootEngineStatus(msg)
	if err != nil {
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	s := Status{
		Kind:       Kind(st.Kind()),
		SimID:      foundation.SimulationID(st.SimId()),
		Steps:      st.Steps(),
		Running:    st.Running(),
		StopSignal: st.StopSignal(),
	}
	if _, ok := kindNames[s.Kind]; !ok {
		return Status{}, fmt.Errorf("unknown status kind %d", s.Kind)
	}
	if st.HasMessage() {
		if s.Message, err = st.Message(); err != nil {
			return Status{}, err
		}
	}
	if st.HasPayload() {
		payload, err := st.Payload()
		if err != nil {
			return Status{}, err
		}
		s.Payload = append([]byte(nil), payload...)
	}
	if st.HasDiagnostics() {
		list, err := st.Diagnostics()
		if err != nil {
			return Status{}, err
		}
		s.Diagnostics = make([]Diagnostic, list.Len())
		for i := range s.Diagnostics {
			item := list.At(i)
			if s.Diagnostics[i].Message, err = item.Message(); err != nil {
				return Status{}, err
			}
			if s.Diagnostics[i].Location, err = item.Location(); err != nil {
				return Status{}, err
			}
		}
	}
	if st.HasLogs() {
		logs, err := st.Logs()
		if err != nil {
			return Status{}, err
		}
		s.Logs = make([]string, logs.Len())
		for i := range s.Logs {
			if s.Logs[i], err = logs.At(i); err != nil {
				return Status{}, err
			}
		}
	}
	return s, nil
}
