package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dispatch"
)

func TestStatusReportsRegistry(t *testing.T) {
	s := NewServer(":0", arch.AVX2, dispatch.Auto)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "avx2", st.Generation)
	assert.Equal(t, "auto", st.Backend)
	assert.Equal(t, len(dispatch.DefaultRegistry().Configs(arch.AVX2)), st.TiledKernels)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := httptest.NewServer(NewServer(":0", arch.Generic, dispatch.Reference).Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
