package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/engine"
	"github.com/jackgo/jackgo/internal/logging"
)

type fakeEngine struct {
	clients []engine.ClientSnapshot
	ports   []engine.PortSnapshot
	chain   []engine.ChainEntrySnapshot
	xruns   int64
}

func (f *fakeEngine) Clients() []engine.ClientSnapshot        { return f.clients }
func (f *fakeEngine) Ports() []engine.PortSnapshot             { return f.ports }
func (f *fakeEngine) Chain() []engine.ChainEntrySnapshot       { return f.chain }
func (f *fakeEngine) XRunCount() int64                         { return f.xruns }

func newTestRouter(t *testing.T, eng EngineView) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Routes(r, eng, logging.Nop())
	return r
}

func TestHealthzReportsOK(t *testing.T) {
	r := newTestRouter(t, &fakeEngine{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz/", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestXRunsReportsCount(t *testing.T) {
	r := newTestRouter(t, &fakeEngine{xruns: 3})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xruns/", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["xrun_count"])
}

func TestChainAndPortsAndClientsRoutes(t *testing.T) {
	eng := &fakeEngine{
		clients: []engine.ClientSnapshot{{ID: 1, Name: "system"}},
		ports:   []engine.PortSnapshot{{ID: 1, Owner: 1, FullName: "system:capture_1"}},
		chain:   []engine.ChainEntrySnapshot{{ClientID: 1, Rank: 0}},
	}
	r := newTestRouter(t, eng)

	for _, path := range []string{"/chain/", "/ports/", "/clients/"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(w, req)
		assert.Equalf(t, http.StatusOK, w.Code, "path %s", path)
	}
}
