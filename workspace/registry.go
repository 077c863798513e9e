package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"planner-sync/session"
	"planner-sync/storage"
	"planner-sync/store"
)

// Registry keeps one workspace per user so every request and stream of that
// user sees the same cached state.
type Registry struct {
	backend storage.Backend
	logger  *log.Logger
	metrics *store.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	ws       *Workspace
	lastUsed time.Time
	streams  int
}

func NewRegistry(backend storage.Backend, logger *log.Logger, metrics *store.Metrics) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the workspace of the token's user, creating it on first
// use. A newer token for an existing user replaces the session token in
// place.
func (r *Registry) Acquire(token string) (*Workspace, error) {
	sess, err := session.New(token)
	if err != nil {
		return nil, err
	}
	key := registryKey(sess.UserID(), token)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, store.ErrDetached
	}
	if e, ok := r.entries[key]; ok {
		if e.ws.Session.BearerToken() != token {
			if err := e.ws.Session.Refresh(token); err != nil {
				return nil, err
			}
		}
		e.lastUsed = r.now()
		return e.ws, nil
	}

	ws := New(r.backend, sess, r.logger, r.metrics)
	r.entries[key] = &entry{ws: ws, lastUsed: r.now()}
	r.logger.WithField("user_id", sess.UserID()).Debug("workspace created")
	return ws, nil
}

// Hold marks a long-lived consumer, such as an event stream, so Sweep leaves
// the workspace alone. The returned func releases it.
func (r *Registry) Hold(ws *Workspace) func() {
	key := registryKey(ws.Session.UserID(), ws.Session.BearerToken())
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && e.ws == ws {
		e.streams++
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if e, ok := r.entries[key]; ok && e.ws == ws && e.streams > 0 {
				e.streams--
				e.lastUsed = r.now()
			}
		})
	}
}

// Sweep closes workspaces unused for longer than idle and returns how many
// were dropped.
func (r *Registry) Sweep(idle time.Duration) int {
	now := r.now()
	var drop []*Workspace

	r.mu.Lock()
	for key, e := range r.entries {
		if e.streams > 0 {
			continue
		}
		if now.Sub(e.lastUsed) > idle || e.ws.Expired(now) {
			drop = append(drop, e.ws)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, ws := range drop {
		ws.Close()
	}
	if len(drop) > 0 {
		r.logger.WithField("count", len(drop)).Info("idle workspaces closed")
	}
	return len(drop)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every workspace. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.closed = true
	r.mu.Unlock()

	for _, e := range entries {
		e.ws.Close()
	}
}

// Tokens without a user claim are keyed by their hash.
func registryKey(userID, token string) string {
	if userID != "" {
		return "user:" + userID
	}
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:])
}
