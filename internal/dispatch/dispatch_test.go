package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"panelbot/internal/accounts"
	"panelbot/internal/botconfig"
	"panelbot/internal/storage"
	kit "panelbot/internal/transport"
	"panelbot/pkg/tgui"
)

var testNow = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

type sentText struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type editedText struct {
	ref  kit.MessageRef
	text string
	opt  *kit.SendOptions
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentText
	edits   []editedText
	answers map[string]string
	editErr error
}

func newFakeSender() *fakeSender { return &fakeSender{answers: map[string]string{}} }

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1000 + len(f.sent)}, nil
}

func (f *fakeSender) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, editedText{ref: ref, text: text, opt: opt})
	return nil
}

func (f *fakeSender) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[id] = text
	return nil
}

func (f *fakeSender) SendDocument(context.Context, kit.ChatTarget, kit.Document) (kit.MessageRef, error) {
	return kit.MessageRef{}, errors.New("not supported")
}

type staticConfig struct{ cfg botconfig.BotConfig }

func (s staticConfig) Current() botconfig.BotConfig { return s.cfg }

type memAudit struct {
	mu   sync.Mutex
	rows []storage.AuditRecord
}

func (m *memAudit) Record(rec storage.AuditRecord) {
	m.mu.Lock()
	m.rows = append(m.rows, rec)
	m.mu.Unlock()
}

type memPrefs struct {
	mu sync.Mutex
	on map[int64]bool
}

func (p *memPrefs) Effective(_ context.Context, chatID int64, global bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on, ok := p.on[chatID]; ok {
		return on
	}
	return global
}

func (p *memPrefs) Toggle(ctx context.Context, chatID int64, global bool) (bool, error) {
	next := !p.Effective(ctx, chatID, global)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.on == nil {
		p.on = map[int64]bool{}
	}
	p.on[chatID] = next
	return next, nil
}

func expiry(t *testing.T, s string) accounts.Expiry {
	t.Helper()
	e, err := accounts.ParseExpiry(s, time.UTC)
	if err != nil {
		t.Fatalf("parse expiry %q: %v", s, err)
	}
	return e
}

func newDirectory(t *testing.T) (*accounts.MemStore, *accounts.Directory) {
	t.Helper()
	pol := accounts.ExpiryPolicy{Cutoff: accounts.CutoffEndOfDay, SoonWindow: accounts.DefaultSoonWindow, Location: time.UTC}
	now := func() time.Time { return testNow }
	ms := accounts.NewMemStore(pol, now)
	ms.PutServer(accounts.Server{ID: 1, Name: "sg-1", Host: "sg1.example", Enabled: true})
	ms.PutServer(accounts.Server{ID: 2, Name: "id-1", Host: "id1.example", Enabled: false})
	ms.PutUser(accounts.User{ID: 10, ServerID: 1, Username: "bob", Expiry: expiry(t, "2026-09-01")})
	ms.PutUser(accounts.User{ID: 11, ServerID: 1, Username: "alice", Expiry: expiry(t, "2026-12-01")})
	ms.PutUser(accounts.User{ID: 12, ServerID: 2, Username: "carol"})
	ms.PutUser(accounts.User{ID: 13, ServerID: 1, Username: "dave", Expiry: expiry(t, "2026-10-15")})
	return ms, accounts.NewDirectory(ms, pol, now)
}

type harness struct {
	store  *accounts.MemStore
	sender *fakeSender
	audit  *memAudit
	prefs  *memPrefs
	d      *Dispatcher
}

func newHarness(t *testing.T, cfg botconfig.BotConfig) *harness {
	t.Helper()
	ms, dir := newDirectory(t)
	h := &harness{store: ms, sender: newFakeSender(), audit: &memAudit{}, prefs: &memPrefs{}}
	h.d = New(Deps{
		Config:    staticConfig{cfg: cfg},
		Directory: dir,
		Sender:    h.sender,
		Prefs:     h.prefs,
		Audit:     h.audit,
		ChatBurst: 100,
	})
	return h
}

func targetConfig(chatID int64) botconfig.BotConfig {
	cfg := botconfig.Default()
	cfg.Token = "123:abc"
	cfg.Enabled = true
	cfg.DefaultTargetID = chatID
	return cfg
}

func buttons(m tgui.Message) []tele.InlineButton {
	rm := m.Markup()
	if rm == nil {
		return nil
	}
	var out []tele.InlineButton
	for _, row := range rm.InlineKeyboard {
		out = append(out, row...)
	}
	return out
}

func hasData(m tgui.Message, data string) bool {
	for _, b := range buttons(m) {
		if b.Data == data {
			return true
		}
	}
	return false
}

func hasButtonText(opt *kit.SendOptions, text string) bool {
	m := tgui.Message{Opt: opt}
	for _, b := range buttons(m) {
		if b.Text == text {
			return true
		}
	}
	return false
}

func TestTokensRoundTrip(t *testing.T) {
	actions := []Action{
		MainMenu{},
		ServersPage{Page: 3},
		ServerDetail{ServerID: 7, Page: 2},
		ServerUser{ServerID: 7, UserID: 99},
		RefreshUser{ServerID: 7, UserID: 99},
		UsersPage{Status: accounts.StatusSoon, Page: 1},
		ChangeExpire{UserID: 99},
		ChangeExpireChoice{UserID: 99, Months: 6},
		ToggleNotifications{},
		Noop{},
	}
	for _, a := range actions {
		got, err := ParseToken(a.Token())
		if err != nil {
			t.Fatalf("ParseToken(%q): %v", a.Token(), err)
		}
		if got != a {
			t.Fatalf("ParseToken(%q) = %#v, want %#v", a.Token(), got, a)
		}
		if len(a.Token()) > tgui.MaxCallbackDataLen {
			t.Fatalf("token %q exceeds the callback data limit", a.Token())
		}
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"bogus",
		"server:1",
		"server:x:1",
		"server:0:1",
		"servers_page",
		"users_page:gone:1",
		"change_expire_choice:11:4",
		"main_back:extra",
		strings.Repeat("a", 65),
	}
	for _, data := range bad {
		if _, err := ParseToken(data); !errors.Is(err, ErrUnknownToken) {
			t.Fatalf("ParseToken(%q) err = %v, want ErrUnknownToken", data, err)
		}
	}
}

func TestRenderIsReplayable(t *testing.T) {
	_, dir := newDirectory(t)
	r := NewRenderer(dir)
	ctx := context.Background()
	for _, a := range []Action{MainMenu{}, ServersPage{Page: 1}, ServerDetail{ServerID: 1, Page: 1}, ServerUser{ServerID: 1, UserID: 11}} {
		first, err := r.Render(ctx, a, View{NotificationsOn: true})
		if err != nil {
			t.Fatalf("render %s: %v", a.Token(), err)
		}
		second, err := r.Render(ctx, a, View{NotificationsOn: true})
		if err != nil {
			t.Fatalf("render %s: %v", a.Token(), err)
		}
		if first.Text != second.Text || fmt.Sprint(buttons(first)) != fmt.Sprint(buttons(second)) {
			t.Fatalf("replaying %s rendered a different screen", a.Token())
		}
	}
}

func TestServersPagination(t *testing.T) {
	pol := accounts.ExpiryPolicy{Location: time.UTC}
	ms := accounts.NewMemStore(pol, func() time.Time { return testNow })
	for i := 1; i <= 10; i++ {
		ms.PutServer(accounts.Server{ID: int64(i), Name: fmt.Sprintf("srv-%02d", i), Enabled: true})
	}
	r := NewRenderer(accounts.NewDirectory(ms, pol, func() time.Time { return testNow }))
	ctx := context.Background()

	first, err := r.Render(ctx, ServersPage{Page: 1}, View{})
	if err != nil {
		t.Fatal(err)
	}
	if !hasData(first, ServersPage{Page: 2}.Token()) {
		t.Fatalf("first page should link to page 2")
	}
	if hasData(first, ServersPage{Page: 0}.Token()) {
		t.Fatalf("first page must not have a previous control")
	}
	if !hasData(first, ServerDetail{ServerID: 8, Page: 1}.Token()) || hasData(first, ServerDetail{ServerID: 9, Page: 1}.Token()) {
		t.Fatalf("first page should list servers 1..8 only")
	}
	if !hasData(first, MainMenu{}.Token()) {
		t.Fatalf("servers page should link back to the main menu")
	}

	// Out-of-range pages clamp to the last page.
	last, err := r.Render(ctx, ServersPage{Page: 99}, View{})
	if err != nil {
		t.Fatal(err)
	}
	if !hasData(last, ServersPage{Page: 1}.Token()) || hasData(last, ServersPage{Page: 3}.Token()) {
		t.Fatalf("last page controls are wrong: %+v", buttons(last))
	}
	if !hasData(last, ServerDetail{ServerID: 10, Page: 1}.Token()) {
		t.Fatalf("last page should list server 10")
	}
}

func TestUserDetailBackLinksToContainingPage(t *testing.T) {
	_, dir := newDirectory(t)
	r := NewRenderer(dir)
	// The token names the wrong server; the stored row wins.
	m, err := r.Render(context.Background(), ServerUser{ServerID: 2, UserID: 11}, View{})
	if err != nil {
		t.Fatal(err)
	}
	if !hasData(m, ServerDetail{ServerID: 1, Page: 1}.Token()) {
		t.Fatalf("back control should target server 1: %+v", buttons(m))
	}
	if !hasData(m, ChangeExpire{UserID: 11}.Token()) || !hasData(m, RefreshUser{ServerID: 1, UserID: 11}.Token()) {
		t.Fatalf("user detail is missing its action buttons")
	}
	if !strings.Contains(m.Text, "2026-12-01") {
		t.Fatalf("user detail should show the expiry: %q", m.Text)
	}
}

func TestMissingEntitiesRenderBackControl(t *testing.T) {
	_, dir := newDirectory(t)
	r := NewRenderer(dir)
	m, err := r.Render(context.Background(), ServerDetail{ServerID: 404, Page: 1}, View{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.Text, "not found") || !hasData(m, ServersPage{Page: 1}.Token()) {
		t.Fatalf("missing server screen = %q %+v", m.Text, buttons(m))
	}
}

func TestUsersPageFiltersByStatus(t *testing.T) {
	_, dir := newDirectory(t)
	r := NewRenderer(dir)
	m, err := r.Render(context.Background(), UsersPage{Status: accounts.StatusSoon, Page: 1}, View{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.Text, "dave") || strings.Contains(m.Text, "alice") {
		t.Fatalf("soon list = %q", m.Text)
	}
}

func TestChangeExpireAuthorized(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	cb := kit.Callback{ID: "cb1", FromID: 7, ChatID: -100, MessageID: 55, Data: ChangeExpireChoice{UserID: 11, Months: 1}.Token()}
	h.d.HandleCallback(context.Background(), cb)

	u, _ := h.store.GetUser(context.Background(), 11)
	if got := u.Expiry.Format(); got != "2027-01-01" {
		t.Fatalf("expiry = %s, want 2027-01-01", got)
	}
	if u.UpdatedBy != "tg:7" {
		t.Fatalf("updated_by = %q", u.UpdatedBy)
	}
	if h.sender.answers["cb1"] != "Expiry updated" {
		t.Fatalf("answer = %q", h.sender.answers["cb1"])
	}
	if len(h.sender.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(h.sender.edits))
	}
	e := h.sender.edits[0]
	if e.ref.MessageID != 55 || e.opt.ReplyMarkupAdapter != nil {
		t.Fatalf("result should edit message 55 and drop the keyboard: %+v", e)
	}
	if len(h.audit.rows) != 1 {
		t.Fatalf("audit rows = %d", len(h.audit.rows))
	}
	row := h.audit.rows[0]
	if row.Kind != AuditKindExpiryChange || row.Status != storage.AuditOK || row.Actor != "tg:7" || row.CorrelationID == "" {
		t.Fatalf("audit row = %+v", row)
	}
	var p expiryPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Before != "2026-12-01" || p.After != "2027-01-01" || p.Months != 1 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestChangeExpireExpiredExtendsFromToday(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 1, Data: "change_expire_choice:10:2"})
	u, _ := h.store.GetUser(context.Background(), 10)
	if got := u.Expiry.Format(); got != "2026-12-14" {
		t.Fatalf("expiry = %s, want 2026-12-14", got)
	}
}

func TestChangeExpireRefusedForUnlistedUser(t *testing.T) {
	cfg := targetConfig(-100)
	cfg.AllowedIDs = []int64{-100}
	h := newHarness(t, cfg)
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 1, Data: "change_expire_choice:11:3"})

	u, _ := h.store.GetUser(context.Background(), 11)
	if got := u.Expiry.Format(); got != "2026-12-01" {
		t.Fatalf("refused mutation changed expiry to %s", got)
	}
	if len(h.sender.edits) != 0 {
		t.Fatalf("refused mutation edited the message")
	}
	if h.sender.answers["cb"] == "" {
		t.Fatalf("refusal should be answered")
	}
	if len(h.audit.rows) != 1 || h.audit.rows[0].Status != storage.AuditRefusedUnauthorized {
		t.Fatalf("audit rows = %+v", h.audit.rows)
	}
}

func TestCallbackFromOtherChatIsRefused(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -200, MessageID: 1, Data: MainMenu{}.Token()})
	if h.sender.answers["cb"] != "Not allowed" {
		t.Fatalf("answer = %q", h.sender.answers["cb"])
	}
	if len(h.sender.edits)+len(h.sender.sent) != 0 {
		t.Fatalf("refused callback rendered a screen")
	}
}

func TestUnknownTokenIsAnswered(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 1, Data: "plugin:old:payload"})
	if _, ok := h.sender.answers["cb"]; !ok {
		t.Fatalf("unknown token was not answered")
	}
	if len(h.sender.edits) != 0 {
		t.Fatalf("unknown token edited the message")
	}
}

func TestNotModifiedEditIsSuccess(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	h.sender.editErr = errors.New("telegram: Bad Request: message is not modified (400)")
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 9, Data: RefreshUser{ServerID: 1, UserID: 11}.Token()})
	if len(h.sender.sent) != 0 {
		t.Fatalf("not-modified edit fell back to a new message")
	}
	if h.sender.answers["cb"] != "Refreshed" {
		t.Fatalf("answer = %q", h.sender.answers["cb"])
	}
}

func TestFailedEditFallsBackToSend(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	h.sender.editErr = errors.New("telegram: Bad Request: message to edit not found (400)")
	h.d.HandleCallback(context.Background(), kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 9, Data: MainMenu{}.Token()})
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.sender.sent))
	}
}

func TestToggleNotifications(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	cb := kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 3, Data: ToggleNotifications{}.Token()}
	h.d.HandleCallback(context.Background(), cb)
	if h.sender.answers["cb"] != "Notifications off" {
		t.Fatalf("answer = %q", h.sender.answers["cb"])
	}
	if h.prefs.Effective(context.Background(), -100, true) {
		t.Fatalf("preference was not toggled")
	}
	if len(h.sender.edits) != 1 || !strings.Contains(h.sender.edits[0].text, "Panel") {
		t.Fatalf("main menu was not re-rendered")
	}
	if !hasButtonText(h.sender.edits[0].opt, "🔕 Notifications: off") {
		t.Fatalf("toggle button should show the new state")
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	ctx := context.Background()

	h.d.HandleMessage(ctx, kit.Message{ID: 1, ChatID: -100, FromID: 7, Text: "/servers@panel_bot", IsGroup: true})
	h.d.HandleMessage(ctx, kit.Message{ID: 2, ChatID: -100, FromID: 7, Text: "/nope"})
	h.d.HandleMessage(ctx, kit.Message{ID: 3, ChatID: -100, FromID: 7, Text: "hello"})

	if len(h.sender.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(h.sender.sent))
	}
	if !strings.Contains(h.sender.sent[0].text, "Servers") {
		t.Fatalf("servers reply = %q", h.sender.sent[0].text)
	}
	if !strings.Contains(h.sender.sent[1].text, "Unknown command") {
		t.Fatalf("unknown reply = %q", h.sender.sent[1].text)
	}
}

func TestCommandsFromOtherChatsAreRefused(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	ctx := context.Background()
	h.d.HandleMessage(ctx, kit.Message{ChatID: -300, FromID: 7, Text: "/menu", IsGroup: true})
	h.d.HandleMessage(ctx, kit.Message{ChatID: 7, FromID: 7, Text: "/menu"})
	if len(h.sender.sent) != 1 || !strings.Contains(h.sender.sent[0].text, "not allowed") {
		t.Fatalf("sent = %+v", h.sender.sent)
	}
}

type fakeOperator struct {
	calls int
}

func (f *fakeOperator) Status(context.Context) OperatorStatus {
	return OperatorStatus{Instance: "host-1", Mode: "polling", Leader: true, PollerState: "polling", Cursor: 42, StartedAt: testNow}
}

func (f *fakeOperator) TriggerBackup(context.Context, string) (string, error) {
	f.calls++
	return "Backup sent", nil
}

func TestStatusAndBackupCommands(t *testing.T) {
	h := newHarness(t, targetConfig(-100))
	op := &fakeOperator{}
	h.d.SetOperator(op)
	ctx := context.Background()

	h.d.HandleMessage(ctx, kit.Message{ChatID: -100, FromID: 7, Text: "/status"})
	h.d.HandleMessage(ctx, kit.Message{ChatID: -100, FromID: 7, Text: "/backup"})
	if op.calls != 1 {
		t.Fatalf("backup calls = %d", op.calls)
	}
	if len(h.sender.sent) != 2 || !strings.Contains(h.sender.sent[0].text, "host-1") || h.sender.sent[1].text != "Backup sent" {
		t.Fatalf("sent = %+v", h.sender.sent)
	}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("  /Expired@panel_bot  2 ")
	if !ok || name != "expired" || len(args) != 1 || args[0] != "2" {
		t.Fatalf("parseCommand = %q %v %v", name, args, ok)
	}
	if _, _, ok := parseCommand("/@bot"); ok {
		t.Fatalf("empty command should not parse")
	}
}

func TestMainMenuShowsEffectivePreference(t *testing.T) {
	cfg := targetConfig(-100)
	cfg.LoginNotify = false
	h := newHarness(t, cfg)
	open := kit.Callback{ID: "cb", FromID: 7, ChatID: -100, MessageID: 3, Data: MainMenu{}.Token()}
	h.d.HandleCallback(context.Background(), open)
	if len(h.sender.edits) != 1 || !hasButtonText(h.sender.edits[0].opt, "🔕 Notifications: off") {
		t.Fatalf("unset preference must follow login_notify=false")
	}

	toggle := kit.Callback{ID: "cb2", FromID: 7, ChatID: -100, MessageID: 3, Data: ToggleNotifications{}.Token()}
	h.d.HandleCallback(context.Background(), toggle)
	if h.sender.answers["cb2"] != "Notifications on" {
		t.Fatalf("answer = %q", h.sender.answers["cb2"])
	}
	if !h.prefs.Effective(context.Background(), -100, false) {
		t.Fatalf("toggle should store an explicit opt-in")
	}
}

func TestEmptyListsRenderEmptyState(t *testing.T) {
	pol := accounts.ExpiryPolicy{Location: time.UTC}
	now := func() time.Time { return testNow }
	ctx := context.Background()

	empty := NewRenderer(accounts.NewDirectory(accounts.NewMemStore(pol, now), pol, now))
	msg, err := empty.Render(ctx, ServersPage{Page: 1}, View{})
	if err != nil {
		t.Fatalf("servers page over no servers: %v", err)
	}
	if !strings.Contains(msg.Text, "No servers configured yet.") {
		t.Fatalf("servers empty state missing: %q", msg.Text)
	}
	if hasData(msg, ServersPage{Page: 2}.Token()) || !hasData(msg, MainMenu{}.Token()) {
		t.Fatalf("empty servers page controls: %+v", buttons(msg))
	}

	for _, st := range accounts.Statuses {
		msg, err := empty.Render(ctx, UsersPage{Status: st, Page: 1}, View{})
		if err != nil {
			t.Fatalf("users page %s over no users: %v", st, err)
		}
		if !strings.Contains(msg.Text, "Nobody here.") {
			t.Fatalf("users empty state missing for %s: %q", st, msg.Text)
		}
		if hasData(msg, UsersPage{Status: st, Page: 2}.Token()) {
			t.Fatalf("empty users page must not offer next")
		}
	}

	ms := accounts.NewMemStore(pol, now)
	ms.PutServer(accounts.Server{ID: 1, Name: "sg-1", Enabled: true})
	lonely := NewRenderer(accounts.NewDirectory(ms, pol, now))
	msg, err = lonely.Render(ctx, ServerDetail{ServerID: 1, Page: 1}, View{})
	if err != nil {
		t.Fatalf("server detail with no users: %v", err)
	}
	if !strings.Contains(msg.Text, "No users on this server.") {
		t.Fatalf("server empty state missing: %q", msg.Text)
	}
	if !hasData(msg, ServersPage{Page: 1}.Token()) {
		t.Fatalf("empty server detail should link back to its servers page")
	}
}
