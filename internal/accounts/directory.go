package accounts

import (
	"context"
	"sort"
	"time"
)

// Directory wraps a Store with the expiry policy and a clock.
type Directory struct {
	store  Store
	policy ExpiryPolicy
	now    func() time.Time
}

func NewDirectory(store Store, policy ExpiryPolicy, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{store: store, policy: policy, now: now}
}

func (d *Directory) Policy() ExpiryPolicy { return d.policy }

func (d *Directory) Now() time.Time { return d.now() }

func (d *Directory) Status(u User) Status { return d.policy.Classify(u.Expiry, d.now()) }

func (d *Directory) Servers(ctx context.Context) ([]Server, error) {
	return d.store.ListServers(ctx)
}

func (d *Directory) Server(ctx context.Context, id int64) (*Server, error) {
	return d.store.GetServer(ctx, id)
}

func (d *Directory) ServerUsers(ctx context.Context, serverID int64) ([]User, error) {
	return d.store.ListUsersByServer(ctx, serverID)
}

func (d *Directory) User(ctx context.Context, id int64) (*User, error) {
	return d.store.GetUser(ctx, id)
}

func (d *Directory) HasCapability(ctx context.Context, name string) bool {
	return d.store.HasCapability(ctx, name)
}

// UsersByStatus returns users in st ordered by deadline, then username.
func (d *Directory) UsersByStatus(ctx context.Context, st Status) ([]User, error) {
	all, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := make([]User, 0, len(all))
	for _, u := range all {
		if d.policy.Classify(u.Expiry, now) == st {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := d.policy.Deadline(out[i].Expiry), d.policy.Deadline(out[j].Expiry)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

type Counts struct {
	Servers int
	Users   int
	ByState map[Status]int
}

func (d *Directory) Counts(ctx context.Context) (Counts, error) {
	servers, err := d.store.ListServers(ctx)
	if err != nil {
		return Counts{}, err
	}
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return Counts{}, err
	}
	c := Counts{Servers: len(servers), Users: len(users), ByState: map[Status]int{}}
	now := d.now()
	for _, u := range users {
		c.ByState[d.policy.Classify(u.Expiry, now)]++
	}
	return c, nil
}

// ExtendExpiry delegates the mutation to the store.
func (d *Directory) ExtendExpiry(ctx context.Context, userID int64, months int, actor string) (*User, error) {
	return d.store.ExtendExpiry(ctx, userID, months, actor)
}
