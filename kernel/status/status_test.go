package status

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func TestCodec_RoundTripsEveryKind(t *testing.T) {
	simStart, err := SimStart(3, map[string]any{"rate": 1.5})
	require.NoError(t, err)
	simStatus, err := SimStatus(3, 12, false, true, []any{map[string]any{"status": "success"}})
	require.NoError(t, err)

	statuses := []Status{
		Started(),
		simStart,
		simStatus,
		SimStop(3),
		RunnerErrors(3, []error{errors.New("worker 1: boom")}),
		RunnerWarnings(3, []string{"worker 2 force-stopped"}),
		UserErrors(3, []runner.UserError{{Message: "bad", Location: "inc.js:1"}}),
		UserWarnings(3, []runner.UserWarning{{Message: "unknown field"}}),
		PackageError(3, errors.New("analysis failed")),
		Logs(3, []string{"a", "b"}),
		Exit(),
		Stopping(),
		ProcessError("out of memory"),
		Init([]byte("name: x")),
	}
	for _, s := range statuses {
		t.Run(s.Kind.String(), func(t *testing.T) {
			data, err := Encode(s)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}

	_, err = Decode([]byte("junk"))
	assert.Error(t, err)
}

func TestDiagnostics_DedupAndRateLimit(t *testing.T) {
	cfg := DefaultDiagnosticsConfig()
	cfg.LogsPerSecond = 1
	cfg.LogBurst = 2
	d, err := NewDiagnostics(cfg)
	require.NoError(t, err)

	w := []runner.UserWarning{{Message: "x", Location: "a.js"}, {Message: "y"}}
	assert.Len(t, d.NewWarnings(1, w), 2)
	assert.Empty(t, d.NewWarnings(1, w))
	assert.Len(t, d.NewWarnings(2, w[:1]), 1)

	allowed := 0
	for i := 0; i < 10; i++ {
		if d.AllowLogs(1) {
			allowed++
		}
	}
	assert.Less(t, allowed, 10)
	assert.Equal(t, 10-allowed, d.Dropped(1))
	assert.True(t, d.AllowLogs(2))

	d.Reset()
	assert.Len(t, d.NewWarnings(1, w), 2)
}

func TestClientServer_HandshakeAndSend(t *testing.T) {
	var mu sync.Mutex
	var got []Status
	received := make(chan struct{}, 8)
	srv := NewServer([]byte("name: exp"), func(s Status) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		received <- struct{}{}
	}, utils.NewNopLogger())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, err := Dial(ctx, url, utils.NewNopLogger())
	require.NoError(t, err)
	defer client.Close()

	manifest, err := client.Handshake(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "name: exp", string(manifest))

	require.NoError(t, client.Send(SimStop(9)))
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-ctx.Done():
			t.Fatal("server did not receive statuses")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, KindStarted, got[0].Kind)
	assert.Equal(t, SimStop(9), got[1])
}

func TestRecorder_FiltersKinds(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Send(Started()))
	require.NoError(t, r.Send(SimStop(1)))
	assert.Len(t, r.Statuses(), 2)
	assert.Equal(t, []Status{SimStop(1)}, r.Statuses(KindSimStop))
}
