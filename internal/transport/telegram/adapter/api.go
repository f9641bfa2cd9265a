package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "panelbot/internal/transport"
	logx "panelbot/pkg/logx"
)

// APIError is a non-ok Bot API response.
type APIError struct {
	Method      string
	HTTPStatus  int
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s: %s (code=%d http=%d)", e.Method, e.Description, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("telegram %s failed: http=%d", e.Method, e.HTTPStatus)
}

// StatusCode prefers the API error_code over the HTTP status.
func (e *APIError) StatusCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return e.HTTPStatus
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	_, token, err := c.current()
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.cfg.APIURL + "/bot" + token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil && resp.StatusCode/100 == 2 {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if resp.StatusCode/100 != 2 || !ar.OK {
		ae := &APIError{Method: method, HTTPStatus: resp.StatusCode, Code: ar.ErrorCode, Description: ar.Description}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			ae.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return ae
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) callWithTimeout(ctx context.Context, method string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.call(ctx, method, payload, out)
}

// GetUpdates long-polls for updates after offset-1. The request is bound
// to ctx; cancelling ctx aborts it immediately.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]kit.Update, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.cfg.RequestTimeout)
	defer cancel()

	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var raw []tele.Update
	if err := c.call(ctx, "getUpdates", payload, &raw); err != nil {
		return nil, err
	}
	out := make([]kit.Update, 0, len(raw))
	for i := range raw {
		out = append(out, ConvertUpdate(raw[i]))
	}
	return out, nil
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.callWithTimeout(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}

func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
		// One delivery at a time keeps pushes in update_id order.
		"max_connections": 1,
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.callWithTimeout(ctx, "setWebhook", payload, nil)
}

type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetMyCommands publishes the command menu. It only calls the API when
// the list changed since the last successful call for this token.
func (c *Client) SetMyCommands(ctx context.Context, cmds []BotCommand) error {
	h := fnv.New64a()
	list := make([]BotCommand, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Command == "" {
			continue
		}
		if cmd.Description == "" {
			cmd.Description = cmd.Command
		}
		if len(cmd.Description) > 256 {
			cmd.Description = cmd.Description[:256]
		}
		h.Write([]byte(cmd.Command))
		h.Write([]byte{0})
		h.Write([]byte(cmd.Description))
		h.Write([]byte{0})
		list = append(list, cmd)
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()

	c.mu.RLock()
	same := sum == c.menuHash
	c.mu.RUnlock()
	if same {
		return nil
	}
	if err := c.callWithTimeout(ctx, "setMyCommands", map[string]any{"commands": list}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.menuHash = sum
	c.mu.Unlock()
	c.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// ConvertUpdate maps a Bot API update onto the transport types.
func ConvertUpdate(u tele.Update) kit.Update {
	out := kit.Update{ID: u.ID, Kind: kit.UpdateOther}
	switch {
	case u.Callback != nil:
		cb := u.Callback
		kc := &kit.Callback{ID: cb.ID, Data: cb.Data}
		if cb.Sender != nil {
			kc.FromID, kc.FromUsername = cb.Sender.ID, cb.Sender.Username
		}
		if m := cb.Message; m != nil {
			kc.MessageID, kc.ThreadID = m.ID, m.ThreadID
			if m.Chat != nil {
				kc.ChatID = m.Chat.ID
			}
		}
		out.Kind, out.Callback = kit.UpdateCallback, kc
	case u.Message != nil && u.Message.Text != "":
		m := u.Message
		km := &kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
		if m.Chat != nil {
			km.ChatID = m.Chat.ID
			km.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
		}
		if m.Sender != nil {
			km.FromID, km.FromUsername = m.Sender.ID, m.Sender.Username
		}
		out.Kind, out.Message = kit.UpdateMessage, km
	}
	return out
}
