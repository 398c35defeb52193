package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/utils"
)

func TestCodec_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"agent_id":"a","count":10},`), 200)
	for _, name := range []string{"none", "brotli", "zstd"} {
		t.Run(name, func(t *testing.T) {
			codec, err := ParseCodec(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())
			compressed, err := codec.Compress(data)
			require.NoError(t, err)
			if name != "none" {
				assert.Less(t, len(compressed), len(data))
			}
			out, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
	_, err := ParseCodec("lz4")
	assert.Error(t, err)
}

func TestStore_WriteAndReadBack(t *testing.T) {
	codec, err := ParseCodec("brotli")
	require.NoError(t, err)
	store, err := NewStore(t.TempDir(), "exp", codec, utils.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WriteStep(3, "json_state", 1, []byte(`[{"a":1}]`)))
	require.NoError(t, store.WriteStep(3, "json_state", 2, []byte(`[{"a":2}]`)))
	require.NoError(t, store.WriteFinal(3, "final_state", []byte(`[{"a":2}]`)))

	got, err := store.ReadStep(3, "json_state", 2)
	require.NoError(t, err)
	assert.Equal(t, `[{"a":2}]`, string(got))
	got, err = store.ReadFinal(3, "final_state")
	require.NoError(t, err)
	assert.Equal(t, `[{"a":2}]`, string(got))

	_, err = os.Stat(filepath.Join(store.Dir(), "3", "json_state", "step-000001.json.br"))
	assert.NoError(t, err)
	assert.Positive(t, store.BytesWritten())

	steps, err := store.Index().Steps(3)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "json_state", steps[0].Package)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, filepath.Join("3", "json_state", "step-000002.json.br"), steps[1].Path)
}

func TestIndex_Series(t *testing.T) {
	ix, err := OpenIndex(MemoryIndex)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.RecordMetric(1, "agent_count", 2, 2))
	require.NoError(t, ix.RecordMetric(1, "agent_count", 1, 1))
	require.NoError(t, ix.RecordMetric(2, "agent_count", 1, 7))
	require.NoError(t, ix.RecordMetric(1, "agent_count", 2, 3))

	series, err := ix.Series(1, "agent_count")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 1, Value: 1}, {Step: 2, Value: 3}}, series)

	empty, err := ix.Series(1, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
