package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/handler"
	"github.com/Singlerr/FarPlaneTwo/internal/repository/store"
	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/storage"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/internal/usecase"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	sched   *scheduler.Scheduler
	storage *storage.Storage
	store   *store.MapStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	backend := store.NewMapStore()
	st, err := storage.New(backend, logger.NewNop(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(1, logger.NewNop())
	world := source.NewMemory(func(x, z int64) source.Column { return source.Column{Height: 64} }, false)
	uc := usecase.NewTerrainUseCase(usecase.Config{MaxLevel: 8, RescheduleRate: 100, RescheduleBurst: 1}, st, sched, world, tile.NewPool(), logger.NewNop())
	t.Cleanup(func() { uc.Close() })

	h := handler.NewHandler(validator.New(), uc)
	return &testServer{
		router:  NewRouter(h, logger.NewNop(), false, 5*time.Second),
		sched:   sched,
		storage: st,
		store:   backend,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/api/v1/healthz", "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request id")
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "abc" {
		t.Fatalf("request id = %q", got)
	}
}

func TestGetTile(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"bad level", "/api/v1/tile/x/0/0", http.StatusBadRequest},
		{"level out of range", "/api/v1/tile/9/0/0", http.StatusBadRequest},
		{"coordinate overflow", "/api/v1/tile/0/4294967296/0", http.StatusBadRequest},
		{"bad priority", "/api/v1/tile/0/0/0?priority=-1", http.StatusBadRequest},
		{"ungenerated", "/api/v1/tile/2/1/-1?priority=5", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w, env := s.do(t, http.MethodGet, tt.path, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if env.Success != (tt.wantCode < 400) {
				t.Fatalf("success = %v", env.Success)
			}
		})
	}
}

func TestGetTileSchedulesLoad(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/api/v1/tile/2/1/-1?priority=5", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var task struct {
		Task     string `json:"task"`
		Priority int32  `json:"priority"`
	}
	if err := json.Unmarshal(env.Data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Priority != 5 || !strings.Contains(task.Task, "2/1/-1") {
		t.Fatalf("task = %+v", task)
	}
	if s.sched.Len() != 1 {
		t.Fatalf("queued = %d", s.sched.Len())
	}
}

func TestGetGeneratedTile(t *testing.T) {
	s := newTestServer(t)

	pos := tile.Pos{X: 3, Z: 4}
	h, err := s.storage.HandleFor(context.Background(), pos)
	if err != nil {
		t.Fatal(err)
	}
	var d tile.Data
	d.At(0, 0).Height = 77
	h.Lock()
	if _, err := h.Set(tile.RoughComplete, &d); err != nil {
		t.Fatal(err)
	}
	h.Unlock()

	w, env := s.do(t, http.MethodGet, "/api/v1/tile/0/3/4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Timestamp int64 `json:"timestamp"`
		Samples   []struct {
			Height int32 `json:"height"`
		} `json:"samples"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Timestamp != int64(tile.RoughComplete) || len(resp.Samples) != tile.Size*tile.Size || resp.Samples[0].Height != 77 {
		t.Fatalf("unexpected tile: ts=%d samples=%d", resp.Timestamp, len(resp.Samples))
	}
	if s.sched.Len() != 0 {
		t.Fatal("generated tile must not be scheduled")
	}
}

func TestPostTileRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", `{"level":1,"x":2,"z":3}`, http.StatusAccepted},
		{"explicit priority", `{"level":0,"x":0,"z":0,"priority":0}`, http.StatusAccepted},
		{"malformed", `{"level":`, http.StatusBadRequest},
		{"negative level", `{"level":-1,"x":0,"z":0}`, http.StatusUnprocessableEntity},
		{"priority too high", `{"level":0,"x":0,"z":0,"priority":5000}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w, _ := s.do(t, http.MethodPost, "/api/v1/tile/request", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestWorldEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/v1/world/columns", `{"columns":[{"x":1,"z":1,"height":10}]}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("edit before load: status = %d", w.Code)
	}

	w, env := s.do(t, http.MethodPost, "/api/v1/world/regions/load", `{"regions":[{"x":0,"z":0}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("load: status = %d: %s", w.Code, w.Body.String())
	}
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(env.Data, &v); err != nil || v.Version != 1 {
		t.Fatalf("version = %d err = %v", v.Version, err)
	}
	if s.sched.Len() != 1 {
		t.Fatalf("loading a region must schedule its tile, queued = %d", s.sched.Len())
	}

	w, env = s.do(t, http.MethodPost, "/api/v1/world/columns", `{"columns":[{"x":1,"z":1,"height":10}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("edit: status = %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(env.Data, &v); err != nil || v.Version != 2 {
		t.Fatalf("version = %d err = %v", v.Version, err)
	}

	w, _ = s.do(t, http.MethodPost, "/api/v1/world/regions/load", `{"regions":[]}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty load: status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRequestTimeoutSetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(requestTimeout(time.Minute))
	var remaining time.Duration
	var hasDeadline bool
	r.GET("/", func(c *gin.Context) {
		var deadline time.Time
		deadline, hasDeadline = c.Request.Context().Deadline()
		remaining = time.Until(deadline)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !hasDeadline || remaining <= 0 || remaining > time.Minute {
		t.Fatalf("deadline set = %v, remaining = %v", hasDeadline, remaining)
	}
}

func TestZeroRequestTimeoutLeavesContextOpen(t *testing.T) {
	r := gin.New()
	r.Use(requestTimeout(0))
	var hasDeadline bool
	r.GET("/", func(c *gin.Context) {
		_, hasDeadline = c.Request.Context().Deadline()
		c.Status(http.StatusNoContent)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if hasDeadline {
		t.Fatal("zero timeout must not set a deadline")
	}
}

func TestUnavailableWhenStoreClosed(t *testing.T) {
	tests := []struct {
		name  string
		close func(s *testServer) error
	}{
		{"store closed", func(s *testServer) error { return s.store.Close() }},
		{"storage closed", func(s *testServer) error { return s.storage.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if err := tt.close(s); err != nil {
				t.Fatal(err)
			}

			w, env := s.do(t, http.MethodGet, "/api/v1/tile/0/1/1", "")
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
			}
			if env.Message != handler.ErrShuttingDown.Error() {
				t.Fatalf("message = %q", env.Message)
			}
		})
	}
}
