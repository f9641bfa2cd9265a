package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"panelbot/internal/accounts"
	"panelbot/pkg/tgui"
)

var ErrUnknownToken = errors.New("dispatch: unknown callback token")

// Verbs.
const (
	VerbMainBack            = "main_back"
	VerbServersPage         = "servers_page"
	VerbServer              = "server"
	VerbServerUser          = "server_user"
	VerbRefreshUser         = "refresh_user"
	VerbUsersPage           = "users_page"
	VerbChangeExpire        = "change_expire"
	VerbChangeExpireChoice  = "change_expire_choice"
	VerbToggleNotifications = "toggle_notifications"
	VerbNoop                = "noop"
)

// ExpireChoices are the month offsets offered by change_expire.
var ExpireChoices = []int{1, 2, 3, 6, 12}

// Action is a decoded navigation token. Everything needed to render the
// target screen travels in the token; there is no server-side session.
type Action interface {
	Verb() string
	Token() string
	sealed()
}

type MainMenu struct{}

type ServersPage struct{ Page int }

type ServerDetail struct {
	ServerID int64
	Page     int
}

type ServerUser struct{ ServerID, UserID int64 }

type RefreshUser struct{ ServerID, UserID int64 }

type UsersPage struct {
	Status accounts.Status
	Page   int
}

type ChangeExpire struct{ UserID int64 }

type ChangeExpireChoice struct {
	UserID int64
	Months int
}

type ToggleNotifications struct{}

type Noop struct{}

func (MainMenu) Verb() string            { return VerbMainBack }
func (ServersPage) Verb() string         { return VerbServersPage }
func (ServerDetail) Verb() string        { return VerbServer }
func (ServerUser) Verb() string          { return VerbServerUser }
func (RefreshUser) Verb() string         { return VerbRefreshUser }
func (UsersPage) Verb() string           { return VerbUsersPage }
func (ChangeExpire) Verb() string        { return VerbChangeExpire }
func (ChangeExpireChoice) Verb() string  { return VerbChangeExpireChoice }
func (ToggleNotifications) Verb() string { return VerbToggleNotifications }
func (Noop) Verb() string                { return VerbNoop }

func (a MainMenu) Token() string            { return tgui.Data(a.Verb()) }
func (a ServersPage) Token() string         { return tgui.Data(a.Verb(), a.Page) }
func (a ServerDetail) Token() string        { return tgui.Data(a.Verb(), a.ServerID, a.Page) }
func (a ServerUser) Token() string          { return tgui.Data(a.Verb(), a.ServerID, a.UserID) }
func (a RefreshUser) Token() string         { return tgui.Data(a.Verb(), a.ServerID, a.UserID) }
func (a UsersPage) Token() string           { return tgui.Data(a.Verb(), string(a.Status), a.Page) }
func (a ChangeExpire) Token() string        { return tgui.Data(a.Verb(), a.UserID) }
func (a ChangeExpireChoice) Token() string  { return tgui.Data(a.Verb(), a.UserID, a.Months) }
func (a ToggleNotifications) Token() string { return tgui.Data(a.Verb()) }
func (a Noop) Token() string                { return tgui.Data(a.Verb()) }

func (MainMenu) sealed()            {}
func (ServersPage) sealed()         {}
func (ServerDetail) sealed()        {}
func (ServerUser) sealed()          {}
func (RefreshUser) sealed()         {}
func (UsersPage) sealed()           {}
func (ChangeExpire) sealed()        {}
func (ChangeExpireChoice) sealed()  {}
func (ToggleNotifications) sealed() {}
func (Noop) sealed()                {}

// ParseToken decodes callback data. Malformed and unknown tokens return
// an error wrapping ErrUnknownToken.
func ParseToken(data string) (Action, error) {
	if len(data) > tgui.MaxCallbackDataLen {
		return nil, fmt.Errorf("%w: too long", ErrUnknownToken)
	}
	parts := strings.Split(strings.TrimSpace(data), ":")
	verb, args := parts[0], parts[1:]
	bad := func(why string) (Action, error) {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnknownToken, verb, why)
	}
	want := func(n int) bool { return len(args) == n }

	switch verb {
	case VerbMainBack:
		if !want(0) {
			return bad("unexpected args")
		}
		return MainMenu{}, nil
	case VerbNoop:
		return Noop{}, nil
	case VerbToggleNotifications:
		if !want(0) {
			return bad("unexpected args")
		}
		return ToggleNotifications{}, nil
	case VerbServersPage:
		if !want(1) {
			return bad("want page")
		}
		p, ok := parsePage(args[0])
		if !ok {
			return bad("bad page")
		}
		return ServersPage{Page: p}, nil
	case VerbServer:
		if !want(2) {
			return bad("want id and page")
		}
		id, ok1 := parseID(args[0])
		p, ok2 := parsePage(args[1])
		if !ok1 || !ok2 {
			return bad("bad args")
		}
		return ServerDetail{ServerID: id, Page: p}, nil
	case VerbServerUser, VerbRefreshUser:
		if !want(2) {
			return bad("want server and user id")
		}
		sid, ok1 := parseID(args[0])
		uid, ok2 := parseID(args[1])
		if !ok1 || !ok2 {
			return bad("bad ids")
		}
		if verb == VerbRefreshUser {
			return RefreshUser{ServerID: sid, UserID: uid}, nil
		}
		return ServerUser{ServerID: sid, UserID: uid}, nil
	case VerbUsersPage:
		if !want(2) {
			return bad("want status and page")
		}
		st, ok1 := accounts.ParseStatus(args[0])
		p, ok2 := parsePage(args[1])
		if !ok1 || !ok2 {
			return bad("bad args")
		}
		return UsersPage{Status: st, Page: p}, nil
	case VerbChangeExpire:
		if !want(1) {
			return bad("want user id")
		}
		uid, ok := parseID(args[0])
		if !ok {
			return bad("bad id")
		}
		return ChangeExpire{UserID: uid}, nil
	case VerbChangeExpireChoice:
		if !want(2) {
			return bad("want user id and months")
		}
		uid, ok1 := parseID(args[0])
		m, err := strconv.Atoi(args[1])
		if !ok1 || err != nil || !slices.Contains(ExpireChoices, m) {
			return bad("bad args")
		}
		return ChangeExpireChoice{UserID: uid, Months: m}, nil
	}
	return bad("unknown verb")
}

func parseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

// page accepts any integer; rendering clamps it into range.
func parsePage(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
