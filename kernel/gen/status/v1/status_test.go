package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	capnp "zombiezen.com/go/capnproto2"
)

func TestEngineStatus_HasPointerFields(t *testing.T) {
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	require.NoError(t, err)
	st, err := NewRootEngineStatus(seg)
	require.NoError(t, err)

	assert.False(t, st.HasMessage())
	assert.False(t, st.HasPayload())
	assert.False(t, st.HasDiagnostics())
	assert.False(t, st.HasLogs())

	require.NoError(t, st.SetMessage("boom"))
	require.NoError(t, st.SetPayload([]byte("name: x")))
	diags, err := st.NewDiagnostics(1)
	require.NoError(t, err)
	require.NoError(t, diags.At(0).SetMessage("bad field"))
	logs, err := st.NewLogs(1)
	require.NoError(t, err)
	require.NoError(t, logs.Set(0, "line"))

	assert.True(t, st.HasMessage())
	assert.True(t, st.HasPayload())
	assert.True(t, st.HasDiagnostics())
	assert.True(t, st.HasLogs())

	msg, err := st.Message()
	require.NoError(t, err)
	assert.Equal(t, "boom", msg)
	got, err := st.Logs()
	require.NoError(t, err)
	line, err := got.At(0)
	require.NoError(t, err)
	assert.Equal(t, "line", line)
}
