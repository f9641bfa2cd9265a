// Package webhook receives pushed updates when the bot runs in webhook
// mode. The route is always mounted and answers 404 while inactive.
package webhook

import (
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	tele "gopkg.in/telebot.v4"

	"panelbot/internal/transport/telegram/adapter"
	"panelbot/internal/transport/telegram/poller"
	logx "panelbot/pkg/logx"
)

const (
	Path         = "/telegram/webhook"
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	// seenCapacity bounds the redelivery filter.
	seenCapacity = 1024
)

type Receiver struct {
	handler poller.Handler
	cursor  *poller.Cursor
	log     logx.Logger

	mu     sync.RWMutex
	active bool
	secret string

	seen *seenSet
}

// New shares cursor with the poller so a mode switch does not replay
// updates either side already handled.
func New(h poller.Handler, cursor *poller.Cursor, log logx.Logger) *Receiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cursor == nil {
		cursor = &poller.Cursor{}
	}
	return &Receiver{
		handler: h,
		cursor:  cursor,
		log:     log.With(logx.String("comp", "webhook")),
		seen:    newSeenSet(seenCapacity),
	}
}

func (r *Receiver) Activate(secret string) {
	r.mu.Lock()
	r.active, r.secret = true, secret
	r.mu.Unlock()
}

func (r *Receiver) Deactivate() {
	r.mu.Lock()
	r.active, r.secret = false, ""
	r.mu.Unlock()
}

func (r *Receiver) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Receiver) Register(rt gin.IRoutes) {
	rt.POST(Path, r.Handle)
}

func (r *Receiver) Handle(c *gin.Context) {
	r.mu.RLock()
	active, secret := r.active, r.secret
	r.mu.RUnlock()
	if !active {
		c.Status(http.StatusNotFound)
		return
	}
	if secret != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.Status(http.StatusUnauthorized)
			return
		}
	}
	var raw tele.Update
	if err := c.ShouldBindJSON(&raw); err != nil {
		r.log.Debug("webhook payload rejected", logx.Err(err))
		c.Status(http.StatusBadRequest)
		return
	}

	up := adapter.ConvertUpdate(raw)
	// Pushes may arrive out of order, so an id below the cursor is only a
	// duplicate when it was seen here. Telegram retries until it gets a
	// 2xx, so duplicates are acknowledged.
	if up.ID > 0 && !r.seen.Add(up.ID) {
		c.Status(http.StatusOK)
		return
	}
	poller.DispatchUpdate(c.Request.Context(), r.handler, up, "webhook", r.log)
	if up.ID > 0 {
		r.cursor.Advance(up.ID)
	}
	c.Status(http.StatusOK)
}

// seenSet remembers the most recent update ids in arrival order.
type seenSet struct {
	mu   sync.Mutex
	ids  map[int]struct{}
	ring []int
	next int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[int]struct{}, n), ring: make([]int, 0, n)}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.ids[id] = struct{}{}
	return true
}
