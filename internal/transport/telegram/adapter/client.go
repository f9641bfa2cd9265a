// Package adapter talks to the Telegram Bot API. Outbound sends go through
// telebot; getUpdates and webhook management use raw requests so that
// every call is cancellable and carries a typed APIError.
package adapter

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "panelbot/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

var ErrNoToken = errors.New("telegram: bot token not set")

// HTTPClient is the transport used for raw API calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	APIURL         string
	RequestTimeout time.Duration // non-poll calls, default 10s
	HTTP           HTTPClient    // default: http.Client without global timeout
}

// Client is safe for concurrent use. The token can be swapped at runtime.
type Client struct {
	cfg  Config
	log  logx.Logger
	http HTTPClient

	mu       sync.RWMutex
	token    string
	bot      *tele.Bot
	menuHash uint64
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTP
	if hc == nil {
		// Long polls are bounded by the request context, not a client timeout.
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "telegram")), http: hc}
}

// SetToken rebuilds the telebot handle when the token changes. An empty
// token disables outbound calls.
func (c *Client) SetToken(token string) error {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.token && (token == "" || c.bot != nil) {
		return nil
	}
	if token == "" {
		c.token, c.bot, c.menuHash = "", nil, 0
		return nil
	}
	st := tele.Settings{
		Token:   token,
		URL:     c.cfg.APIURL,
		Offline: true, // no getMe round trip; updates come from our own poller
	}
	if hc, ok := c.http.(*http.Client); ok {
		st.Client = hc
	}
	b, err := tele.NewBot(st)
	if err != nil {
		return err
	}
	c.token, c.bot, c.menuHash = token, b, 0
	c.log.Info("bot token applied", logx.String("token", maskToken(token)))
	return nil
}

func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

func (c *Client) current() (*tele.Bot, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bot == nil || c.token == "" {
		return nil, "", ErrNoToken
	}
	return c.bot, c.token, nil
}

func maskToken(t string) string {
	if i := strings.IndexByte(t, ':'); i > 0 {
		return t[:i] + ":***"
	}
	return "***"
}
