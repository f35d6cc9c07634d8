package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawnet/internal/log"
)

func TestServer_ServesMetrics(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", log.Discard())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	FramesDroppedTotal.WithLabelValues(DropMalformed).Inc()
	NeighborEntries.Set(3)

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rawnet_frames_dropped_total{reason="malformed"}`)
	assert.Contains(t, string(body), "rawnet_neighbor_entries 3")
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(":0", "", nil)
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, "/metrics", s.path)
}

func TestServer_ListenError(t *testing.T) {
	s := NewServer("256.0.0.1:1", "/metrics", log.Discard())
	assert.Error(t, s.Start(context.Background()))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(FramesSentTotal.WithLabelValues("0x0806"))
	FramesSentTotal.WithLabelValues("0x0806").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesSentTotal.WithLabelValues("0x0806")))
}
