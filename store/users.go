package store

import (
	"context"
	"sync"

	"planner-sync/domain"
	"planner-sync/session"
)

type UserBackend interface {
	ListUsers(ctx context.Context, cred session.Credentials) ([]domain.User, error)
}

// Directory resolves user ids to users. It is read-only on the client and
// filled by Load.
type Directory struct {
	backend UserBackend
	sess    session.Credentials
	metrics *Metrics
	broker  *Broker

	mu     sync.RWMutex
	order  []string
	byID   map[string]domain.User
	loaded bool
}

func NewDirectory(backend UserBackend, sess session.Credentials, opts Options) *Directory {
	opts = opts.withDefaults()
	return &Directory{
		backend: backend,
		sess:    sess,
		metrics: opts.Metrics,
		broker:  opts.Broker,
		byID:    make(map[string]domain.User),
	}
}

// Load replaces the directory with the service's user list.
func (d *Directory) Load(ctx context.Context) (err error) {
	ctx, m := d.metrics.start(ctx, "users.load")
	defer func() { m.Done(err) }()

	users, err := d.backend.ListUsers(ctx, d.sess)
	if err != nil {
		return err
	}

	order := make([]string, 0, len(users))
	byID := make(map[string]domain.User, len(users))
	for _, u := range users {
		if _, dup := byID[u.ID]; !dup {
			order = append(order, u.ID)
		}
		byID[u.ID] = u
	}

	d.mu.Lock()
	d.order = order
	d.byID = byID
	d.loaded = true
	d.mu.Unlock()

	m.Set("users", len(order))
	d.broker.Notify()
	return nil
}

// Lookup reports false for unknown ids and before the first Load.
func (d *Directory) Lookup(userID string) (domain.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[userID]
	return u, ok
}

func (d *Directory) Users() []domain.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.User, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}
