package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"panelbot/internal/accounts"
	"panelbot/pkg/tgui"
)

const (
	ServersPageSize = 8
	UsersPageSize   = 10
)

// View carries per-chat state that is not part of the token.
type View struct {
	NotificationsOn bool
}

// Renderer turns an action into a message. Output depends only on the
// action, the view, the business data and the directory clock, so
// replaying a token against unchanged data renders the same screen.
type Renderer struct {
	dir *accounts.Directory
}

func NewRenderer(dir *accounts.Directory) *Renderer { return &Renderer{dir: dir} }

func (r *Renderer) Render(ctx context.Context, a Action, v View) (tgui.Message, error) {
	switch a := a.(type) {
	case MainMenu:
		return r.mainMenu(ctx, v)
	case ToggleNotifications:
		return r.mainMenu(ctx, v)
	case ServersPage:
		return r.serversPage(ctx, a.Page)
	case ServerDetail:
		return r.serverDetail(ctx, a.ServerID, a.Page)
	case ServerUser:
		return r.userDetail(ctx, a.ServerID, a.UserID)
	case RefreshUser:
		return r.userDetail(ctx, a.ServerID, a.UserID)
	case UsersPage:
		return r.usersPage(ctx, a.Status, a.Page)
	case ChangeExpire:
		return r.changeExpire(ctx, a.UserID)
	}
	return tgui.Message{}, fmt.Errorf("%w: %s has no screen", ErrUnknownToken, a.Verb())
}

func statusIcon(s accounts.Status) string {
	switch s {
	case accounts.StatusExpired:
		return "🔴"
	case accounts.StatusSoon:
		return "🟡"
	default:
		return "🟢"
	}
}

func statusLabel(s accounts.Status) string {
	switch s {
	case accounts.StatusExpired:
		return "Expired"
	case accounts.StatusSoon:
		return "Expiring soon"
	default:
		return "Active"
	}
}

func backRow(a Action) []tele.Btn { return []tele.Btn{tgui.Btn("« Back", a.Token())} }

func (r *Renderer) mainMenu(ctx context.Context, v View) (tgui.Message, error) {
	c, err := r.dir.Counts(ctx)
	if err != nil {
		return tgui.Message{}, err
	}
	bell := "🔕 Notifications: off"
	if v.NotificationsOn {
		bell = "🔔 Notifications: on"
	}
	kb := tgui.NewInline().
		Row(tgui.Btn("🖥 Servers", ServersPage{Page: 1}.Token()))
	row := make([]tele.Btn, 0, len(accounts.Statuses))
	for _, st := range accounts.Statuses {
		label := fmt.Sprintf("%s %s (%d)", statusIcon(st), statusLabel(st), c.ByState[st])
		row = append(row, tgui.Btn(label, UsersPage{Status: st, Page: 1}.Token()))
	}
	kb.Grid(2, row).Row(tgui.Btn(bell, ToggleNotifications{}.Token()))

	return tgui.New().
		Title("🧭", "Panel").
		KV("Servers", strconv.Itoa(c.Servers)).
		KV("Users", strconv.Itoa(c.Users)).
		Blank().
		Line(fmt.Sprintf("%s %d expired · %s %d expiring soon · %s %d active",
			statusIcon(accounts.StatusExpired), c.ByState[accounts.StatusExpired],
			statusIcon(accounts.StatusSoon), c.ByState[accounts.StatusSoon],
			statusIcon(accounts.StatusActive), c.ByState[accounts.StatusActive])).
		Inline(kb).
		Build(), nil
}

func (r *Renderer) serversPage(ctx context.Context, page int) (tgui.Message, error) {
	servers, err := r.dir.Servers(ctx)
	if err != nil {
		return tgui.Message{}, err
	}
	items, p := tgui.PageSlice(servers, page, ServersPageSize)

	b := tgui.New().Title("🖥", "Servers")
	kb := tgui.NewInline()
	if p.Empty() {
		b.Blank().Line("No servers configured yet.")
		return b.Inline(kb.Row(backRow(MainMenu{})...)).Build(), nil
	}
	b.Line(tgui.PageLabel(p)).Blank()
	btns := make([]tele.Btn, 0, len(items))
	for _, s := range items {
		line := "• " + s.Name
		if s.Host != "" {
			line += " (" + s.Host + ")"
		}
		if !s.Enabled {
			line += " [disabled]"
		}
		b.Line(line)
		btns = append(btns, tgui.Btn(tgui.TruncRunes(s.Name, 24), ServerDetail{ServerID: s.ID, Page: 1}.Token()))
	}
	kb.Grid(2, btns).
		Row(tgui.PagerRow(p, func(n int) string { return ServersPage{Page: n}.Token() }, Noop{}.Token())...).
		Row(backRow(MainMenu{})...)
	return b.Inline(kb).Build(), nil
}

// serverListPage is the servers_page that lists id.
func (r *Renderer) serverListPage(ctx context.Context, id int64) int {
	servers, err := r.dir.Servers(ctx)
	if err != nil {
		return 1
	}
	for i, s := range servers {
		if s.ID == id {
			return i/ServersPageSize + 1
		}
	}
	return 1
}

func (r *Renderer) notFound(what string, back Action) tgui.Message {
	return tgui.New().
		Title("⚠️", what+" not found").
		Line("It may have been removed from the portal.").
		Inline(tgui.NewInline().Row(backRow(back)...)).
		Build()
}

func (r *Renderer) serverDetail(ctx context.Context, serverID int64, page int) (tgui.Message, error) {
	s, err := r.dir.Server(ctx, serverID)
	if err != nil {
		return tgui.Message{}, err
	}
	if s == nil {
		return r.notFound("Server", ServersPage{Page: 1}), nil
	}
	users, err := r.dir.ServerUsers(ctx, serverID)
	if err != nil {
		return tgui.Message{}, err
	}
	counts := map[accounts.Status]int{}
	for _, u := range users {
		counts[r.dir.Status(u)]++
	}
	items, p := tgui.PageSlice(users, page, UsersPageSize)

	state := "enabled"
	if !s.Enabled {
		state = "disabled"
	}
	b := tgui.New().Title("🖥", s.Name).
		KV("Host", s.Host).
		KV("State", state).
		KV("Users", fmt.Sprintf("%d (%s %d · %s %d · %s %d)", len(users),
			statusIcon(accounts.StatusExpired), counts[accounts.StatusExpired],
			statusIcon(accounts.StatusSoon), counts[accounts.StatusSoon],
			statusIcon(accounts.StatusActive), counts[accounts.StatusActive]))

	back := ServersPage{Page: r.serverListPage(ctx, serverID)}
	kb := tgui.NewInline()
	if p.Empty() {
		b.Blank().Line("No users on this server.")
		return b.Inline(kb.Row(backRow(back)...)).Build(), nil
	}
	b.Section("Users").Line(tgui.PageLabel(p))
	btns := make([]tele.Btn, 0, len(items))
	for _, u := range items {
		label := statusIcon(r.dir.Status(u)) + " " + tgui.TruncRunes(u.Username, 20)
		btns = append(btns, tgui.Btn(label, ServerUser{ServerID: serverID, UserID: u.ID}.Token()))
	}
	kb.Grid(2, btns).
		Row(tgui.PagerRow(p, func(n int) string { return ServerDetail{ServerID: serverID, Page: n}.Token() }, Noop{}.Token())...).
		Row(backRow(back)...)
	return b.Inline(kb).Build(), nil
}

// serverUserPage is the server page that lists the user.
func (r *Renderer) serverUserPage(ctx context.Context, serverID, userID int64) int {
	users, err := r.dir.ServerUsers(ctx, serverID)
	if err != nil {
		return 1
	}
	for i, u := range users {
		if u.ID == userID {
			return i/UsersPageSize + 1
		}
	}
	return 1
}

func (r *Renderer) remaining(u accounts.User) string {
	if !u.Expiry.IsSet() {
		return "no expiry"
	}
	pol := r.dir.Policy()
	return humanize.RelTime(pol.Deadline(u.Expiry), r.dir.Now(), "ago", "left")
}

func (r *Renderer) userDetail(ctx context.Context, serverID, userID int64) (tgui.Message, error) {
	u, err := r.dir.User(ctx, userID)
	if err != nil {
		return tgui.Message{}, err
	}
	if u == nil {
		return r.notFound("User", ServerDetail{ServerID: serverID, Page: 1}), nil
	}
	// The stored row is authoritative for the parent server.
	serverID = u.ServerID
	serverName := strconv.FormatInt(serverID, 10)
	if s, err := r.dir.Server(ctx, serverID); err == nil && s != nil {
		serverName = s.Name
	}
	st := r.dir.Status(*u)

	b := tgui.New().Title("👤", u.Username).
		KV("Server", serverName).
		KV("Expiry", u.Expiry.Display()).
		KV("Status", statusIcon(st)+" "+statusLabel(st)).
		KV("Remaining", r.remaining(*u))
	if r.dir.HasCapability(ctx, accounts.CapTraffic) {
		b.KV("Traffic", humanize.IBytes(uint64(max(u.TrafficBytes, 0))))
	}
	if r.dir.HasCapability(ctx, accounts.CapNote) && u.Note != "" {
		b.KV("Note", u.Note)
	}
	if u.UpdatedBy != "" {
		b.KV("Last change", u.UpdatedBy+" at "+u.UpdatedAt.In(r.location()).Format("2006-01-02 15:04"))
	}
	b.Blank().Line("Checked " + r.dir.Now().In(r.location()).Format("2006-01-02 15:04"))

	kb := tgui.NewInline().
		Row(
			tgui.Btn("🔄 Refresh", RefreshUser{ServerID: serverID, UserID: u.ID}.Token()),
			tgui.Btn("📅 Change expiry", ChangeExpire{UserID: u.ID}.Token()),
		).
		Row(backRow(ServerDetail{ServerID: serverID, Page: r.serverUserPage(ctx, serverID, u.ID)})...)
	return b.Inline(kb).Build(), nil
}

func (r *Renderer) location() *time.Location {
	if loc := r.dir.Policy().Location; loc != nil {
		return loc
	}
	return time.UTC
}

func (r *Renderer) usersPage(ctx context.Context, st accounts.Status, page int) (tgui.Message, error) {
	users, err := r.dir.UsersByStatus(ctx, st)
	if err != nil {
		return tgui.Message{}, err
	}
	servers, err := r.dir.Servers(ctx)
	if err != nil {
		return tgui.Message{}, err
	}
	names := make(map[int64]string, len(servers))
	for _, s := range servers {
		names[s.ID] = s.Name
	}
	items, p := tgui.PageSlice(users, page, UsersPageSize)

	b := tgui.New().Title(statusIcon(st), statusLabel(st)+" users")
	kb := tgui.NewInline()
	if p.Empty() {
		b.Blank().Line("Nobody here.")
		return b.Inline(kb.Row(backRow(MainMenu{})...)).Build(), nil
	}
	b.Line(tgui.PageLabel(p)).Blank()
	btns := make([]tele.Btn, 0, len(items))
	for _, u := range items {
		server := names[u.ServerID]
		if server == "" {
			server = "#" + strconv.FormatInt(u.ServerID, 10)
		}
		b.Line(fmt.Sprintf("• %s · %s · %s (%s)", u.Username, server, u.Expiry.Display(), r.remaining(u)))
		btns = append(btns, tgui.Btn(tgui.TruncRunes(u.Username, 24), ServerUser{ServerID: u.ServerID, UserID: u.ID}.Token()))
	}
	kb.Grid(2, btns).
		Row(tgui.PagerRow(p, func(n int) string { return UsersPage{Status: st, Page: n}.Token() }, Noop{}.Token())...).
		Row(backRow(MainMenu{})...)
	return b.Inline(kb).Build(), nil
}

func (r *Renderer) changeExpire(ctx context.Context, userID int64) (tgui.Message, error) {
	u, err := r.dir.User(ctx, userID)
	if err != nil {
		return tgui.Message{}, err
	}
	if u == nil {
		return r.notFound("User", ServersPage{Page: 1}), nil
	}
	st := r.dir.Status(*u)
	b := tgui.New().Title("📅", "Change expiry").
		KV("User", u.Username).
		KV("Current expiry", u.Expiry.Display()).
		KV("Status", statusIcon(st)+" "+statusLabel(st)).
		Blank().
		Line("How many months should be added?")
	if st == accounts.StatusExpired {
		b.Line("The account has expired, so the extension starts today.")
	}

	btns := make([]tele.Btn, 0, len(ExpireChoices))
	for _, m := range ExpireChoices {
		label := fmt.Sprintf("+%d months", m)
		if m == 1 {
			label = "+1 month"
		}
		btns = append(btns, tgui.Btn(label, ChangeExpireChoice{UserID: u.ID, Months: m}.Token()))
	}
	kb := tgui.NewInline().Grid(3, btns).
		Row(backRow(ServerUser{ServerID: u.ServerID, UserID: u.ID})...)
	return b.Inline(kb).Build(), nil
}

// ExpiryChanged is the result screen of a successful extension. It has no
// keyboard so the original menu is closed.
func (r *Renderer) ExpiryChanged(ctx context.Context, before, after accounts.User, months int) tgui.Message {
	serverName := strconv.FormatInt(after.ServerID, 10)
	if s, err := r.dir.Server(ctx, after.ServerID); err == nil && s != nil {
		serverName = s.Name
	}
	st := r.dir.Status(after)
	return tgui.New().Title("✅", "Expiry updated").
		KV("User", after.Username).
		KV("Server", serverName).
		KV("Added", fmt.Sprintf("%d month(s)", months)).
		KV("Before", before.Expiry.Display()).
		KV("Now", after.Expiry.Display()).
		KV("Status", statusIcon(st)+" "+statusLabel(st)).
		Build()
}
