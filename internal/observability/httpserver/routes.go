package httpserver

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"panelbot/internal/notify"
	logx "panelbot/pkg/logx"
)

// EventsPath receives portal events (admin logins) for the notifier.
const EventsPath = "/events"

type eventRequest struct {
	Kind       string    `json:"kind"`
	Username   string    `json:"username" binding:"required"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	At         time.Time `json:"at"`
	SubjectIDs []int64   `json:"subject_ids"`
}

// Handler builds the router for cfg. It does not listen.
func (s *Service) Handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	for _, rt := range s.routes {
		rt.Register(r)
	}

	ops := r.Group("/", bearer(cfg.Token))
	ops.GET("/readyz", s.readyz)
	ops.GET("/metrics", gin.WrapH(promhttp.Handler()))
	ops.POST(EventsPath, s.events)
	if cfg.Pprof {
		mountPprof(ops, normalizePrefix(cfg.PprofPrefix))
	}
	return r
}

func (s *Service) readyz(c *gin.Context) {
	if s.rt == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"running": false})
		return
	}
	h := s.rt.Health()
	code := http.StatusOK
	if !h.Running {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Service) events(c *gin.Context) {
	if s.rt == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bot runtime unavailable"})
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.rt.NotifyEvent(c.Request.Context(), notify.Event{
		Kind:       req.Kind,
		Username:   req.Username,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		At:         req.At,
		SubjectIDs: req.SubjectIDs,
	})
	// Best effort: the portal gets the outcome but never a failure status.
	body := gin.H{"status": status}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusAccepted, body)
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// mountPprof serves net/http/pprof under prefix. pprof.Index expects
// paths rooted at /debug/pprof/, so the path is rewritten first.
func mountPprof(g *gin.RouterGroup, prefix string) {
	g.Any(prefix+"*name", func(c *gin.Context) {
		name := strings.TrimPrefix(c.Param("name"), "/")
		switch name {
		case "cmdline":
			hpprof.Cmdline(c.Writer, c.Request)
		case "profile":
			hpprof.Profile(c.Writer, c.Request)
		case "symbol":
			hpprof.Symbol(c.Writer, c.Request)
		case "trace":
			hpprof.Trace(c.Writer, c.Request)
		default:
			r2 := c.Request.Clone(c.Request.Context())
			r2.URL.Path = "/debug/pprof/" + name
			hpprof.Index(c.Writer, r2)
		}
	})
}
