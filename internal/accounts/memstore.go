package accounts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	policy  ExpiryPolicy
	now     func() time.Time
	servers map[int64]Server
	users   map[int64]User
	caps    map[string]bool
}

func NewMemStore(policy ExpiryPolicy, now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		policy:  policy,
		now:     now,
		servers: map[int64]Server{},
		users:   map[int64]User{},
		caps:    map[string]bool{},
	}
}

func (m *MemStore) PutServer(s Server) {
	m.mu.Lock()
	m.servers[s.ID] = s
	m.mu.Unlock()
}

func (m *MemStore) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *MemStore) SetCapability(name string, ok bool) {
	m.mu.Lock()
	m.caps[name] = ok
	m.mu.Unlock()
}

func (m *MemStore) ListServers(context.Context) ([]Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemStore) GetServer(_ context.Context, id int64) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemStore) filterUsers(filter func(User) bool) []User {
	out := []User{}
	for _, u := range m.users {
		if filter == nil || filter(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Username), strings.ToLower(out[j].Username)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemStore) ListUsersByServer(_ context.Context, serverID int64) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterUsers(func(u User) bool { return u.ServerID == serverID }), nil
}

func (m *MemStore) ListUsers(context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterUsers(nil), nil
}

func (m *MemStore) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemStore) ExtendExpiry(_ context.Context, userID int64, months int, actor string) (*User, error) {
	if months <= 0 {
		return nil, fmt.Errorf("extend expiry: months must be positive, got %d", months)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	now := m.now()
	u.Expiry = m.policy.NextExpiry(u.Expiry, months, now)
	u.UpdatedAt, u.UpdatedBy = now, actor
	m.users[userID] = u
	return &u, nil
}

func (m *MemStore) HasCapability(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps[name]
}
