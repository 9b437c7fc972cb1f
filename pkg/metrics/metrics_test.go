package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ChunksRead.Inc()
	a.ChunksDropped.WithLabelValues("malformed").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ChunksRead))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ChunksRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.ChunksDropped.WithLabelValues("malformed")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ReadTimeouts.Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "bsstream_read_timeouts_total 3"))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}
