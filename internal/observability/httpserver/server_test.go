package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelbot/internal/bot"
	"panelbot/internal/notify"
	logx "panelbot/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeRuntime struct {
	health bot.Health
	events []notify.Event
	status string
	err    error
}

func (f *fakeRuntime) Health() bot.Health { return f.health }

func (f *fakeRuntime) NotifyEvent(_ context.Context, ev notify.Event) (string, error) {
	f.events = append(f.events, ev)
	return f.status, f.err
}

type pingRoute struct{}

func (pingRoute) Register(rt gin.IRoutes) {
	rt.POST("/telegram/webhook", func(c *gin.Context) { c.Status(http.StatusTeapot) })
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	rt := &fakeRuntime{health: bot.Health{Running: true, Leader: true, PollerState: "polling", Instance: "a"}}
	svc := New(Config{}, rt, logx.Nop())
	h := svc.Handler(Config{})

	w := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = do(t, h, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got bot.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Leader)
	assert.Equal(t, "polling", got.PollerState)

	rt.health.Running = false
	w = do(t, h, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTokenGuardsOpsRoutesOnly(t *testing.T) {
	rt := &fakeRuntime{health: bot.Health{Running: true}}
	cfg := Config{Token: "t0ken", Pprof: true}
	h := New(cfg, rt, logx.Nop(), pingRoute{}).Handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "", map[string]string{"Authorization": "Bearer t0ken"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz?token=t0ken", "", nil).Code)

	w := do(t, h, http.MethodGet, "/metrics?token=t0ken", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/pprof/?token=t0ken", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/", "", nil).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodPost, "/telegram/webhook", "{}", nil).Code)
}

func TestPprofOffByDefault(t *testing.T) {
	h := New(Config{}, &fakeRuntime{}, logx.Nop()).Handler(Config{})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/", "", nil).Code)
}

func TestEventsForwardToNotifier(t *testing.T) {
	rt := &fakeRuntime{status: "sent"}
	h := New(Config{}, rt, logx.Nop()).Handler(Config{})

	w := do(t, h, http.MethodPost, EventsPath,
		`{"username":"root","ip":"10.0.0.9","user_agent":"curl","subject_ids":[3]}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"sent"}`, w.Body.String())
	require.Len(t, rt.events, 1)
	assert.Equal(t, "root", rt.events[0].Username)
	assert.Equal(t, []int64{3}, rt.events[0].SubjectIDs)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, EventsPath, `{"ip":"x"}`, nil).Code)
	assert.Len(t, rt.events, 1)
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8090", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":8090", false},
		{"0.0.0.0:8090", false},
		{"10.1.2.3:80", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("IsLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{}, &fakeRuntime{health: bot.Health{Running: true}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1})
	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Reconfigure(ctx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	assert.Empty(t, svc.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := svc.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}
