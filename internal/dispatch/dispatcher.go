package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"panelbot/internal/accounts"
	"panelbot/internal/botconfig"
	"panelbot/internal/observability/metrics"
	"panelbot/internal/storage"
	kit "panelbot/internal/transport"
	"panelbot/internal/transport/telegram/adapter"
	logx "panelbot/pkg/logx"
	"panelbot/pkg/tgui"
)

const (
	AuditKindExpiryChange = "expiry_change"
	AuditKindBackup       = "backup"

	DefaultRequestTimeout = 15 * time.Second
)

// Preferences holds the per-chat notification override. global is the
// value used when a chat has no override.
type Preferences interface {
	Effective(ctx context.Context, chatID int64, global bool) bool
	Toggle(ctx context.Context, chatID int64, global bool) (bool, error)
}

// Recorder appends audit rows without blocking the caller.
type Recorder interface {
	Record(rec storage.AuditRecord)
}

type OperatorStatus struct {
	Instance         string
	Mode             string
	Leader           bool
	PollerState      string
	Cursor           int
	StartedAt        time.Time
	LastBackupAt     time.Time
	LastBackupStatus string
}

// Operator exposes process state and the manual backup trigger.
type Operator interface {
	Status(ctx context.Context) OperatorStatus
	TriggerBackup(ctx context.Context, actor string) (string, error)
}

type Deps struct {
	Config    botconfig.Source
	Directory *accounts.Directory
	Sender    kit.Sender
	Prefs     Preferences
	Audit     Recorder
	Log       logx.Logger

	// RequestTimeout bounds one command or callback. 0 means 15s.
	RequestTimeout time.Duration
	// ChatRate and ChatBurst limit requests per chat. 0 means 1/s, burst 3.
	ChatRate  rate.Limit
	ChatBurst int
}

// Dispatcher routes commands and menu callbacks. It is called from the
// poller or the webhook receiver, one update at a time.
type Dispatcher struct {
	cfg    botconfig.Source
	dir    *accounts.Directory
	sender kit.Sender
	prefs  Preferences
	audit  Recorder
	log    logx.Logger
	render *Renderer

	timeout time.Duration
	rate    rate.Limit
	burst   int

	op atomic.Pointer[operatorBox]

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter
}

type operatorBox struct{ op Operator }

type request struct {
	kind    string
	chat    kit.ChatTarget
	fromID  int64
	command string
	args    []string

	ref        kit.MessageRef
	callbackID string
	answer     string
}

func (r *request) actor() string { return "tg:" + strconv.FormatInt(r.fromID, 10) }

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = DefaultRequestTimeout
	}
	if d.ChatRate <= 0 {
		d.ChatRate = rate.Every(time.Second)
	}
	if d.ChatBurst <= 0 {
		d.ChatBurst = 3
	}
	return &Dispatcher{
		cfg:      d.Config,
		dir:      d.Directory,
		sender:   d.Sender,
		prefs:    d.Prefs,
		audit:    d.Audit,
		log:      d.Log.With(logx.String("comp", "dispatch")),
		render:   NewRenderer(d.Directory),
		timeout:  d.RequestTimeout,
		rate:     d.ChatRate,
		burst:    d.ChatBurst,
		limiters: map[int64]*rate.Limiter{},
	}
}

// SetOperator attaches the process operator after construction.
func (d *Dispatcher) SetOperator(op Operator) {
	if op == nil {
		d.op.Store(nil)
		return
	}
	d.op.Store(&operatorBox{op: op})
}

func (d *Dispatcher) operator() Operator {
	if b := d.op.Load(); b != nil {
		return b.op
	}
	return nil
}

func (d *Dispatcher) Renderer() *Renderer { return d.render }

// Commands is the menu published with setMyCommands.
func (d *Dispatcher) Commands() []adapter.BotCommand {
	return []adapter.BotCommand{
		{Command: "menu", Description: "Open the main menu"},
		{Command: "servers", Description: "List servers"},
		{Command: "expired", Description: "Expired users"},
		{Command: "soon", Description: "Users expiring soon"},
		{Command: "active", Description: "Active users"},
		{Command: "status", Description: "Bot status"},
		{Command: "backup", Description: "Send a database backup now"},
		{Command: "help", Description: "Show help"},
	}
}

func (d *Dispatcher) allow(chatID int64) bool {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[chatID]
	if !ok {
		if len(d.limiters) >= 4096 {
			d.limiters = map[int64]*rate.Limiter{}
		}
		l = rate.NewLimiter(d.rate, d.burst)
		d.limiters[chatID] = l
	}
	return l.Allow()
}

func (d *Dispatcher) view(ctx context.Context, chatID int64) View {
	global := d.cfg.Current().LoginNotify
	if d.prefs == nil {
		return View{NotificationsOn: global}
	}
	return View{NotificationsOn: d.prefs.Effective(ctx, chatID, global)}
}

func (d *Dispatcher) record(rec storage.AuditRecord) {
	if d.audit != nil {
		d.audit.Record(rec)
	}
}

// parseCommand splits "/cmd@bot arg..." into a lowercased name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func (d *Dispatcher) HandleMessage(ctx context.Context, m kit.Message) {
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	cfg := d.cfg.Current()
	if !cfg.AllowsEntry(m.ChatID, m.FromID) {
		d.log.Debug("command refused",
			logx.Int64("chat_id", m.ChatID), logx.Int64("from_id", m.FromID), logx.String("cmd", name))
		if !m.IsGroup {
			_, _ = d.sender.SendText(ctx, chat, "⛔ You are not allowed to use this bot.", nil)
		}
		return
	}
	if !d.allow(m.ChatID) {
		d.log.Debug("command rate limited", logx.Int64("chat_id", m.ChatID), logx.String("cmd", name))
		return
	}

	req := &request{kind: string(kit.UpdateMessage), chat: chat, fromID: m.FromID, command: name, args: args}
	h := d.commandHandler(name)
	_ = chain(h, mwRequestLog(d.log), mwTimeout(d.timeout))(ctx, req)
}

func (d *Dispatcher) commandHandler(name string) handlerFunc {
	switch name {
	case "start", "menu":
		return d.screen(MainMenu{})
	case "servers":
		return d.screen(ServersPage{Page: 1})
	case "expired", "soon", "active":
		st, _ := accounts.ParseStatus(name)
		return d.screen(UsersPage{Status: st, Page: 1})
	case "status":
		return d.cmdStatus
	case "backup":
		return d.cmdBackup
	case "help":
		return d.cmdHelp
	}
	return func(ctx context.Context, req *request) error {
		_, err := d.sender.SendText(ctx, req.chat, "Unknown command. Try /help", nil)
		return err
	}
}

func (d *Dispatcher) screen(a Action) handlerFunc {
	return func(ctx context.Context, req *request) error {
		msg, err := d.render.Render(ctx, a, d.view(ctx, req.chat.ChatID))
		if err != nil {
			_, _ = d.sender.SendText(ctx, req.chat, "Could not load data, try again later.", nil)
			return err
		}
		_, err = msg.Send(ctx, d.sender, req.chat)
		return err
	}
}

func (d *Dispatcher) cmdHelp(ctx context.Context, req *request) error {
	b := tgui.New().Title("ℹ️", "Commands")
	for _, c := range d.Commands() {
		b.Line("/" + c.Command + " - " + c.Description)
	}
	_, err := b.Build().Send(ctx, d.sender, req.chat)
	return err
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}

func (d *Dispatcher) cmdStatus(ctx context.Context, req *request) error {
	op := d.operator()
	if op == nil {
		_, err := d.sender.SendText(ctx, req.chat, "Status is not available yet.", nil)
		return err
	}
	st := op.Status(ctx)
	leader := "no"
	if st.Leader {
		leader = "yes"
	}
	last := formatWhen(st.LastBackupAt)
	if st.LastBackupStatus != "" {
		last += " (" + st.LastBackupStatus + ")"
	}
	msg := tgui.New().Title("📊", "Bot status").
		KV("Instance", st.Instance).
		KV("Mode", st.Mode).
		KV("Leader", leader).
		KV("Poller", st.PollerState).
		KV("Cursor", strconv.Itoa(st.Cursor)).
		KV("Started", formatWhen(st.StartedAt)).
		KV("Last backup", last).
		Build()
	_, err := msg.Send(ctx, d.sender, req.chat)
	return err
}

func (d *Dispatcher) cmdBackup(ctx context.Context, req *request) error {
	cfg := d.cfg.Current()
	if !cfg.AllowsMutation(req.chat.ChatID, req.fromID) {
		d.record(storage.AuditRecord{
			Kind:     AuditKindBackup,
			TargetID: req.chat.ChatID,
			Status:   storage.AuditRefusedUnauthorized,
			Actor:    req.actor(),
		})
		_, err := d.sender.SendText(ctx, req.chat, "⛔ Only the configured admins can request a backup.", nil)
		return err
	}
	op := d.operator()
	if op == nil {
		_, err := d.sender.SendText(ctx, req.chat, "Backups are not available on this instance.", nil)
		return err
	}
	summary, err := op.TriggerBackup(ctx, req.actor())
	if err != nil {
		_, _ = d.sender.SendText(ctx, req.chat, "❌ Backup failed: "+err.Error(), nil)
		return err
	}
	_, err = d.sender.SendText(ctx, req.chat, summary, nil)
	return err
}

func (d *Dispatcher) HandleCallback(ctx context.Context, cb kit.Callback) {
	req := &request{
		kind:       string(kit.UpdateCallback),
		chat:       kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		fromID:     cb.FromID,
		command:    "cb",
		ref:        kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID},
		callbackID: cb.ID,
	}
	// Every callback is answered so the client stops its spinner.
	defer func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.sender.AnswerCallback(actx, req.callbackID, req.answer); err != nil {
			d.log.Debug("answer callback failed", logx.Err(err))
		}
	}()

	cfg := d.cfg.Current()
	if !cfg.AllowsEntry(cb.ChatID, cb.FromID) {
		req.answer = "Not allowed"
		return
	}
	if !d.allow(cb.ChatID) {
		req.answer = "Slow down a little"
		return
	}
	a, err := ParseToken(cb.Data)
	if err != nil {
		metrics.Callbacks.WithLabelValues("unknown").Inc()
		d.log.Debug("unknown callback token", logx.String("data", cb.Data), logx.Err(err))
		req.answer = "This button has expired."
		return
	}
	metrics.Callbacks.WithLabelValues(a.Verb()).Inc()
	req.command = "cb:" + a.Verb()

	h := func(ctx context.Context, req *request) error { return d.onAction(ctx, req, a) }
	_ = chain(h, mwRequestLog(d.log), mwTimeout(d.timeout))(ctx, req)
}

func (d *Dispatcher) onAction(ctx context.Context, req *request, a Action) error {
	switch a := a.(type) {
	case Noop:
		return nil
	case ToggleNotifications:
		if d.prefs == nil {
			req.answer = "Notifications cannot be changed here."
			return nil
		}
		on, err := d.prefs.Toggle(ctx, req.chat.ChatID, d.cfg.Current().LoginNotify)
		if err != nil {
			req.answer = "Could not save the preference."
			return err
		}
		req.answer = "Notifications off"
		if on {
			req.answer = "Notifications on"
		}
		msg, err := d.render.Render(ctx, MainMenu{}, View{NotificationsOn: on})
		if err != nil {
			return err
		}
		return d.show(ctx, req, msg)
	case ChangeExpireChoice:
		return d.changeExpire(ctx, req, a)
	case RefreshUser:
		req.answer = "Refreshed"
	}
	msg, err := d.render.Render(ctx, a, d.view(ctx, req.chat.ChatID))
	if err != nil {
		req.answer = "Could not load data, try again later."
		return err
	}
	return d.show(ctx, req, msg)
}

// show replaces the menu message in place. An unchanged screen is fine;
// other edit failures fall back to a new message.
func (d *Dispatcher) show(ctx context.Context, req *request, msg tgui.Message) error {
	if req.ref.MessageID != 0 {
		err := msg.Edit(ctx, d.sender, req.ref)
		if err == nil || adapter.IsNotModified(err) {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		d.log.Debug("edit failed, sending new message", logx.Err(err))
	}
	_, err := msg.Send(ctx, d.sender, req.chat)
	return err
}

type expiryPayload struct {
	ServerID int64  `json:"server_id"`
	Username string `json:"username"`
	Months   int    `json:"months"`
	Before   string `json:"before"`
	After    string `json:"after"`
}

func (d *Dispatcher) changeExpire(ctx context.Context, req *request, a ChangeExpireChoice) error {
	rec := storage.AuditRecord{
		Kind:          AuditKindExpiryChange,
		TargetID:      req.chat.ChatID,
		SubjectIDs:    []int64{a.UserID},
		Actor:         req.actor(),
		CorrelationID: uuid.NewString(),
	}
	cfg := d.cfg.Current()
	if !cfg.AllowsMutation(req.chat.ChatID, req.fromID) {
		rec.Status = storage.AuditRefusedUnauthorized
		d.record(rec)
		req.answer = "Only the configured admins can change expiry."
		return nil
	}

	before, err := d.dir.User(ctx, a.UserID)
	if err != nil {
		req.answer = "Could not load the user."
		return err
	}
	if before == nil {
		req.answer = "User not found"
		return d.show(ctx, req, d.render.notFound("User", ServersPage{Page: 1}))
	}

	after, err := d.dir.ExtendExpiry(ctx, a.UserID, a.Months, req.actor())
	if err == nil && after == nil {
		err = errors.New("user disappeared during update")
	}
	if err != nil {
		rec.Status = storage.AuditFailed
		rec.Error = err.Error()
		d.record(rec)
		req.answer = "Update failed"
		return fmt.Errorf("extend expiry of user %d: %w", a.UserID, err)
	}

	payload, _ := json.Marshal(expiryPayload{
		ServerID: after.ServerID,
		Username: after.Username,
		Months:   a.Months,
		Before:   before.Expiry.Format(),
		After:    after.Expiry.Format(),
	})
	rec.Status = storage.AuditOK
	rec.Payload = payload
	d.record(rec)

	d.log.Info("expiry changed",
		logx.Int64("user_id", a.UserID),
		logx.Int("months", a.Months),
		logx.String("before", before.Expiry.Format()),
		logx.String("after", after.Expiry.Format()),
		logx.String("actor", req.actor()),
	)
	req.answer = "Expiry updated"
	return d.show(ctx, req, d.render.ExpiryChanged(ctx, *before, *after, a.Months))
}
