// Package accounts holds the minimal business entities the bot reads
// (servers and their subscription users) and the expiry classification
// rules shared by the menus and the backup report.
package accounts

import (
	"context"
	"time"
)

type Server struct {
	ID      int64
	Name    string
	Host    string
	Enabled bool
}

type User struct {
	ID       int64
	ServerID int64
	Username string
	Expiry   Expiry

	// Optional columns; zero when the portal schema lacks them
	// (see Store.HasCapability).
	TrafficBytes int64
	Note         string

	UpdatedAt time.Time
	UpdatedBy string
}

type Status string

const (
	StatusExpired Status = "expired"
	StatusSoon    Status = "soon"
	StatusActive  Status = "active"
)

// Statuses lists statuses in menu order.
var Statuses = []Status{StatusExpired, StatusSoon, StatusActive}

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusExpired, StatusSoon, StatusActive:
		return Status(s), true
	}
	return "", false
}

// Capability names probed on the backing store.
const (
	CapTraffic = "users.traffic_bytes"
	CapNote    = "users.note"
)

// Store is the data access surface for business entities.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	ListServers(ctx context.Context) ([]Server, error)
	GetServer(ctx context.Context, id int64) (*Server, error)
	ListUsersByServer(ctx context.Context, serverID int64) ([]User, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ExtendExpiry(ctx context.Context, userID int64, months int, actor string) (*User, error)
	HasCapability(ctx context.Context, name string) bool
}
