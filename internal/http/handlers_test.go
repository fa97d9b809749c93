package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecodehq/backend/internal/config"
	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/monitoring"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/runner"
	"github.com/vibecodehq/backend/internal/workspace"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dataRoot := t.TempDir()
	reg, err := registry.Open(filepath.Join(dataRoot, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	volumes, err := container.NewVolumeStore(dataRoot)
	require.NoError(t, err)

	cfg := config.SandboxConfig{
		DataRoot:       dataRoot,
		Runtime:        "local",
		WorkspaceMount: "/workspace",
		ProbeTimeout:   5 * time.Second,
		ProbeInterval:  10 * time.Millisecond,
		StartRetries:   1,
		GracePeriod:    time.Second,
		ExecTimeout:    10 * time.Second,
		ExecTimeoutMax: time.Minute,
	}

	rt := container.NewLocalRuntime()
	manager := container.NewManager(rt, volumes, reg, cfg, logging.NewNop())
	guard := workspace.NewGuard(volumes)
	run := runner.NewRunner(rt, cfg.ExecTimeout, cfg.ExecTimeoutMax, logging.NewNop())
	handlers := NewHandlers(manager, reg, guard, run, monitoring.NewMetrics(), logging.NewNop())

	router := gin.New()
	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.POST("/sessions/:id/open", handlers.OpenSession)
	router.POST("/sessions/:id/suspend", handlers.SuspendSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)
	router.GET("/sessions/:id/files", handlers.FileTree)
	router.PUT("/sessions/:id/files", handlers.SaveFile)
	router.GET("/sessions/:id/files/content", handlers.ReadFile)
	router.POST("/sessions/:id/execute", handlers.Execute)
	router.GET("/admin/volumes", handlers.AdminVolumes)

	t.Cleanup(func() { manager.DrainAll(context.Background()) })
	return router
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OwnerHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func createSession(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := do(t, router, "POST", "/sessions", `{"name":"scratch"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	sess := body["session"].(map[string]any)
	assert.Equal(t, "running", sess["status"])
	return sess["id"].(string)
}

func TestMissingOwnerHeaderIsUnauthorized(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	id := createSession(t, router)

	w := do(t, router, "GET", "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode(t, w)["sessions"].([]any)
	require.Len(t, sessions, 1)

	w = do(t, router, "POST", "/sessions/"+id+"/suspend", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/sessions/"+id+"/open", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode(t, w)["session"].(map[string]any)
	assert.Equal(t, "running", sess["status"])

	w = do(t, router, "DELETE", "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["volume_removed"])

	// Gone from the API, present in the recovery listing
	w = do(t, router, "POST", "/sessions/"+id+"/open", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, router, "GET", "/admin/volumes", "")
	require.Equal(t, http.StatusOK, w.Code)
	retained := decode(t, w)["retained"].([]any)
	require.Len(t, retained, 1)
}

func TestFileRoundtripOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	id := createSession(t, router)

	w := do(t, router, "PUT", "/sessions/"+id+"/files",
		`{"path":"src/app.py","content":"print(1)\n"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, "GET", "/sessions/"+id+"/files/content?path=src/app.py", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "print(1)\n", decode(t, w)["content"])

	w = do(t, router, "GET", "/sessions/"+id+"/files", "")
	require.Equal(t, http.StatusOK, w.Code)

	// Escapes map to 400
	w = do(t, router, "PUT", "/sessions/"+id+"/files",
		`{"path":"../../etc/cron","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "path_escape", decode(t, w)["code"])

	// So does an empty path, which would otherwise target the root
	w = do(t, router, "GET", "/sessions/"+id+"/files/content?path=", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "path_escape", decode(t, w)["code"])
}

func TestExecuteOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	id := createSession(t, router)

	w := do(t, router, "POST", "/sessions/"+id+"/execute", `{"command":"echo hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode(t, w)["result"].(map[string]any)
	assert.Contains(t, result["stdout"], "hi\n")
	assert.Equal(t, float64(0), result["exit_code"])
	assert.Equal(t, false, result["timed_out"])

	// Suspended sessions refuse execution
	w = do(t, router, "POST", "/sessions/"+id+"/suspend", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, "POST", "/sessions/"+id+"/execute", `{"command":"echo hi"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}
