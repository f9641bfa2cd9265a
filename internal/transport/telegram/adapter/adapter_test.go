package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	kit "panelbot/internal/transport"
	logx "panelbot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{APIURL: srv.URL, RequestTimeout: 2 * time.Second, HTTP: srv.Client()}, logx.Nop())
	if err := c.SetToken("123:abc"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	return c
}

func TestGetUpdatesConvertsBatch(t *testing.T) {
	var gotOffset float64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot123:abc/getUpdates") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotOffset, _ = body["offset"].(float64)
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":7,"message":{"message_id":1,"text":"/menu","chat":{"id":-100,"type":"supergroup"},"from":{"id":42,"username":"op"}}},
			{"update_id":8,"callback_query":{"id":"cb1","data":"servers_page:2","from":{"id":42},"message":{"message_id":5,"chat":{"id":-100,"type":"supergroup"}}}},
			{"update_id":9,"edited_message":{"message_id":1,"chat":{"id":-100}}}
		]}`)
	})

	ups, err := c.GetUpdates(context.Background(), 7, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if gotOffset != 7 {
		t.Fatalf("offset sent = %v", gotOffset)
	}
	if len(ups) != 3 {
		t.Fatalf("len = %d", len(ups))
	}
	if ups[0].Kind != kit.UpdateMessage || ups[0].Message.ChatID != -100 || ups[0].Message.FromID != 42 || !ups[0].Message.IsGroup {
		t.Fatalf("message update: %+v %+v", ups[0], ups[0].Message)
	}
	if ups[1].Kind != kit.UpdateCallback || ups[1].Callback.Data != "servers_page:2" || ups[1].Callback.MessageID != 5 {
		t.Fatalf("callback update: %+v", ups[1].Callback)
	}
	if ups[2].Kind != kit.UpdateOther || ups[2].ID != 9 {
		t.Fatalf("other update: %+v", ups[2])
	}
}

func TestAPIErrorCarriesCodeAndRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`)
	})
	_, err := c.GetUpdates(context.Background(), 0, time.Second)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.StatusCode() != 429 || ae.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected error: %+v", ae)
	}
}

func TestGetUpdatesAbortsOnCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetUpdates(ctx, 0, 30*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request not aborted")
	}
}

func TestSetMyCommandsSkipsUnchanged(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})
	cmds := []BotCommand{{Command: "menu", Description: "Open the menu"}}
	for i := 0; i < 2; i++ {
		if err := c.SetMyCommands(context.Background(), cmds); err != nil {
			t.Fatalf("SetMyCommands: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNoTokenRefusesCalls(t *testing.T) {
	c := New(Config{}, logx.Nop())
	if _, err := c.GetUpdates(context.Background(), 0, time.Second); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := c.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestSplitTelegramText(t *testing.T) {
	line := strings.Repeat("a", 30) + "\n"
	text := strings.Repeat(line, 10)
	parts := splitTelegramText(text, 100, "")
	if len(parts) < 3 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len([]rune(p)) > 100 {
			t.Fatalf("part too long: %d", len(p))
		}
		if strings.HasSuffix(p, "\n") {
			t.Fatalf("part should not end with newline")
		}
	}

	html := strings.Repeat("x", 98) + "<b>bold</b>"
	parts = splitTelegramText(html, 100, "HTML")
	if strings.Contains(parts[0], "<b") {
		t.Fatalf("split inside a tag: %q", parts[0])
	}

	if got := splitTelegramText("short", 100, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text: %v", got)
	}
}

func TestSetWebhookLimitsConnections(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/setWebhook") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})
	if err := c.SetWebhook(context.Background(), "https://bot.example/telegram/webhook", "s3cret"); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	if body["max_connections"] != float64(1) {
		t.Fatalf("max_connections = %v, want 1", body["max_connections"])
	}
	if body["secret_token"] != "s3cret" {
		t.Fatalf("secret_token = %v", body["secret_token"])
	}
}
