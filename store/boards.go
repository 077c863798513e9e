package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"planner-sync/domain"
	"planner-sync/session"
)

// BoardBackend is the part of the planner service the board store uses.
type BoardBackend interface {
	ListBoards(ctx context.Context, cred session.Credentials) ([]domain.Board, error)
	GetBoard(ctx context.Context, cred session.Credentials, boardID string) (domain.Board, error)
	CreateBoard(ctx context.Context, cred session.Credentials, name string) (domain.Board, error)
	RenameBoard(ctx context.Context, cred session.Credentials, boardID, name string) error
	DeleteBoard(ctx context.Context, cred session.Credentials, boardID string) error
	ListMembers(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error)
	AddMember(ctx context.Context, cred session.Credentials, boardID, userID string) error
	RemoveMember(ctx context.Context, cred session.Credentials, boardID, userID string) error
}

// BoardStore caches the caller's boards and their member lists. Removing a
// member also strips them from the assignees of the open board's tasks, so it
// holds the task store. Lock order is board store, then task store.
type BoardStore struct {
	backend BoardBackend
	sess    session.Credentials
	tasks   *TaskStore
	logger  *log.Logger
	metrics *Metrics
	broker  *Broker

	mu      sync.RWMutex
	order   []string
	byID    map[string]domain.Board
	members map[string][]domain.User
	version uint64
	listSeq uint64
}

func NewBoardStore(backend BoardBackend, sess session.Credentials, tasks *TaskStore, opts Options) *BoardStore {
	opts = opts.withDefaults()
	return &BoardStore{
		backend: backend,
		sess:    sess,
		tasks:   tasks,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		broker:  opts.Broker,
		byID:    make(map[string]domain.Board),
		members: make(map[string][]domain.User),
	}
}

// List fetches every board visible to the caller and replaces the cache.
func (s *BoardStore) List(ctx context.Context) (boards []domain.Board, err error) {
	ctx, m := s.metrics.start(ctx, "boards.list")
	defer func() { m.Done(err) }()

	s.mu.Lock()
	s.listSeq++
	seq := s.listSeq
	s.mu.Unlock()

	fetched, err := s.backend.ListBoards(ctx, s.sess)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(fetched))
	byID := make(map[string]domain.Board, len(fetched))
	for _, b := range fetched {
		if b.ID == "" {
			continue
		}
		if _, dup := byID[b.ID]; !dup {
			order = append(order, b.ID)
		}
		byID[b.ID] = b.Clone()
	}

	s.mu.Lock()
	if seq != s.listSeq {
		s.mu.Unlock()
		return nil, ErrDetached
	}
	for id, b := range byID {
		byID[id] = keepOwner(b, s.byID[id])
	}
	s.order = order
	s.byID = byID
	for id := range s.members {
		if _, ok := byID[id]; !ok {
			delete(s.members, id)
		}
	}
	s.version++
	s.mu.Unlock()

	m.Set("boards", len(order))
	s.broker.Notify()
	return s.Boards(), nil
}

// Get fetches one board and upserts it into the cache.
func (s *BoardStore) Get(ctx context.Context, boardID string) (board domain.Board, err error) {
	ctx, m := s.metrics.start(ctx, "boards.get", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	b, err := s.backend.GetBoard(ctx, s.sess, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	s.upsert(b)
	return b.Clone(), nil
}

// Board is a local lookup.
func (s *BoardStore) Board(boardID string) (domain.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[boardID]
	if !ok {
		return domain.Board{}, &domain.NotFoundError{Kind: "board", ID: boardID}
	}
	return b.Clone(), nil
}

// Boards returns the cached boards in fetch order.
func (s *BoardStore) Boards() []domain.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Board, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func (s *BoardStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *BoardStore) Create(ctx context.Context, name string) (board domain.Board, err error) {
	ctx, m := s.metrics.start(ctx, "boards.create")
	defer func() { m.Done(err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Board{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	b, err := s.backend.CreateBoard(ctx, s.sess, name)
	if err != nil {
		return domain.Board{}, err
	}
	s.upsert(b)
	m.Set("board_id", b.ID)
	return b.Clone(), nil
}

// Rename changes the cached name only after the service confirms.
func (s *BoardStore) Rename(ctx context.Context, boardID, name string) (err error) {
	ctx, m := s.metrics.start(ctx, "boards.rename", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := s.backend.RenameBoard(ctx, s.sess, boardID, name); err != nil {
		return err
	}

	s.mu.Lock()
	if b, ok := s.byID[boardID]; ok {
		b.Name = name
		s.byID[boardID] = b
		s.version++
	}
	s.mu.Unlock()
	s.broker.Notify()
	return nil
}

// Delete removes the board on the service, then locally. The service
// deletes the board's tasks.
func (s *BoardStore) Delete(ctx context.Context, boardID string) (err error) {
	ctx, m := s.metrics.start(ctx, "boards.delete", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	if err := s.backend.DeleteBoard(ctx, s.sess, boardID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.byID[boardID]; ok {
		delete(s.byID, boardID)
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == boardID })
	}
	delete(s.members, boardID)
	s.version++
	s.mu.Unlock()
	s.broker.Notify()
	return nil
}

// Members fetches the board's users and refreshes its member set.
func (s *BoardStore) Members(ctx context.Context, boardID string) (users []domain.User, err error) {
	ctx, m := s.metrics.start(ctx, "boards.members", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	users, err = s.backend.ListMembers(ctx, s.sess, boardID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}

	s.mu.Lock()
	s.members[boardID] = slices.Clone(users)
	if b, ok := s.byID[boardID]; ok {
		if b.CreatedBy != "" && !slices.Contains(ids, b.CreatedBy) {
			ids = append([]string{b.CreatedBy}, ids...)
		}
		b.Members = ids
		s.byID[boardID] = b
	}
	s.version++
	s.mu.Unlock()

	m.Set("members", len(users))
	s.broker.Notify()
	return users, nil
}

// CachedMembers returns the users from the last Members call.
func (s *BoardStore) CachedMembers(boardID string) ([]domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users, ok := s.members[boardID]
	return slices.Clone(users), ok
}

// AddMember refuses users who already belong to the board.
func (s *BoardStore) AddMember(ctx context.Context, boardID, userID string) (err error) {
	ctx, m := s.metrics.start(ctx, "boards.add_member", attribute.String("board_id", boardID), attribute.String("user_id", userID))
	defer func() { m.Done(err) }()

	if strings.TrimSpace(userID) == "" {
		return &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	b, err := s.Board(boardID)
	if err != nil {
		return err
	}
	if b.HasMember(userID) {
		return &domain.ValidationError{Field: "user_id", Reason: "user is already a member of the board"}
	}

	if err := s.backend.AddMember(ctx, s.sess, boardID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if b, ok := s.byID[boardID]; ok && !b.HasMember(userID) {
		b.Members = append(slices.Clone(b.Members), userID)
		s.byID[boardID] = b
	}
	delete(s.members, boardID)
	s.version++
	s.mu.Unlock()
	s.broker.Notify()
	return nil
}

// RemoveMember refuses to remove the owner before any removal request is
// made. A board whose owner is not cached is fetched once; if the owner is
// still unknown the removal is refused. On success the user is stripped from
// the assignees of the board's cached tasks in the same critical section as
// the membership change.
func (s *BoardStore) RemoveMember(ctx context.Context, boardID, userID string) (err error) {
	ctx, m := s.metrics.start(ctx, "boards.remove_member", attribute.String("board_id", boardID), attribute.String("user_id", userID))
	defer func() { m.Done(err) }()

	if strings.TrimSpace(userID) == "" {
		return &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	b, err := s.Board(boardID)
	if err != nil {
		return err
	}
	if b.CreatedBy == "" {
		if b, err = s.Get(ctx, boardID); err != nil {
			return err
		}
		if b.CreatedBy == "" {
			return &domain.PolicyError{Action: "remove member", Reason: "the board owner is unknown"}
		}
	}
	if b.IsOwner(userID) {
		return &domain.PolicyError{Action: "remove member", Reason: "the board owner cannot be removed"}
	}

	if err := s.backend.RemoveMember(ctx, s.sess, boardID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if b, ok := s.byID[boardID]; ok {
		b.Members = slices.DeleteFunc(slices.Clone(b.Members), func(id string) bool { return id == userID })
		s.byID[boardID] = b
	}
	if users, ok := s.members[boardID]; ok {
		s.members[boardID] = slices.DeleteFunc(slices.Clone(users), func(u domain.User) bool { return u.ID == userID })
	}
	stripped := 0
	if s.tasks != nil {
		stripped = s.tasks.stripAssignee(boardID, userID)
	}
	s.version++
	s.mu.Unlock()

	m.Set("tasks_unassigned", stripped)
	s.broker.Notify()
	if s.tasks != nil && s.tasks.broker != s.broker {
		s.tasks.broker.Notify()
	}
	return nil
}

func (s *BoardStore) upsert(b domain.Board) {
	s.mu.Lock()
	prev, ok := s.byID[b.ID]
	if !ok {
		s.order = append(s.order, b.ID)
	}
	s.byID[b.ID] = keepOwner(b.Clone(), prev)
	s.version++
	s.mu.Unlock()
	s.broker.Notify()
}

// Subscribe wakes the caller after every change. See Broker.
func (s *BoardStore) Subscribe() (<-chan struct{}, func()) {
	return s.broker.Subscribe()
}

// keepOwner carries a known owner over a response that left it out. The
// owner of a board never changes.
func keepOwner(b, prev domain.Board) domain.Board {
	if b.CreatedBy == "" && prev.ID == b.ID && prev.CreatedBy != "" {
		b.CreatedBy = prev.CreatedBy
		if !b.HasMember(b.CreatedBy) {
			b.Members = append([]string{b.CreatedBy}, b.Members...)
		}
	}
	return b
}
