package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	kit "panelbot/internal/transport"
	logx "panelbot/pkg/logx"
)

type countingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *countingHandler) HandleMessage(_ context.Context, m kit.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m.Text)
	h.mu.Unlock()
}

func (h *countingHandler) HandleCallback(context.Context, kit.Callback) {}

func post(r http.Handler, body, secret string) int {
	req := httptest.NewRequest(http.MethodPost, Path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestReceiver(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &countingHandler{}
	rcv := New(h, nil, logx.Nop())
	engine := gin.New()
	rcv.Register(engine)

	body := `{"update_id":3,"message":{"message_id":1,"text":"/menu","chat":{"id":5,"type":"private"},"from":{"id":5}}}`
	if code := post(engine, body, "s3cret"); code != http.StatusNotFound {
		t.Fatalf("inactive: code %d", code)
	}

	rcv.Activate("s3cret")
	if code := post(engine, body, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("bad secret: code %d", code)
	}
	if code := post(engine, `{nope`, "s3cret"); code != http.StatusBadRequest {
		t.Fatalf("bad body: code %d", code)
	}
	if code := post(engine, body, "s3cret"); code != http.StatusOK {
		t.Fatalf("accepted: code %d", code)
	}
	if code := post(engine, body, "s3cret"); code != http.StatusOK {
		t.Fatalf("duplicate: code %d", code)
	}
	if len(h.msgs) != 1 || h.msgs[0] != "/menu" {
		t.Fatalf("dispatched = %v, want exactly one /menu", h.msgs)
	}

	rcv.Deactivate()
	if code := post(engine, body, "s3cret"); code != http.StatusNotFound {
		t.Fatalf("deactivated: code %d", code)
	}
}

func TestReceiverAcceptsOutOfOrderPushes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &countingHandler{}
	rcv := New(h, nil, logx.Nop())
	engine := gin.New()
	rcv.Register(engine)
	rcv.Activate("")

	later := `{"update_id":11,"message":{"message_id":2,"text":"/u11","chat":{"id":5,"type":"private"},"from":{"id":5}}}`
	earlier := `{"update_id":10,"message":{"message_id":1,"text":"/u10","chat":{"id":5,"type":"private"},"from":{"id":5}}}`
	for _, body := range []string{later, earlier, earlier} {
		if code := post(engine, body, ""); code != http.StatusOK {
			t.Fatalf("code %d", code)
		}
	}
	if len(h.msgs) != 2 || h.msgs[0] != "/u11" || h.msgs[1] != "/u10" {
		t.Fatalf("dispatched = %v, want [/u11 /u10]", h.msgs)
	}
	if got := rcv.cursor.Last(); got != 11 {
		t.Fatalf("cursor = %d, want 11", got)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	for _, id := range []int{1, 2, 3} {
		if !s.Add(id) {
			t.Fatalf("id %d reported as seen", id)
		}
	}
	if s.Add(3) || s.Add(2) {
		t.Fatalf("recent ids must stay seen")
	}
	if !s.Add(1) {
		t.Fatalf("evicted id must be accepted again")
	}
}
