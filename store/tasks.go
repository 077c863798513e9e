// Package store holds the client's cached copy of tasks, boards and users.
// Every mutation is pessimistic: local state changes only after the planner
// service confirms, and failures leave it untouched.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"planner-sync/domain"
	"planner-sync/session"
)

// ErrDetached is returned when a response arrives for a store that was
// closed, switched boards, or started a newer load while the request was in
// flight. The response is dropped.
var ErrDetached = errors.New("store: result discarded, store detached or superseded")

// TaskBackend is the part of the planner service the task store uses.
type TaskBackend interface {
	ListTasks(ctx context.Context, cred session.Credentials, boardID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, cred session.Credentials, draft domain.TaskDraft) (domain.Task, error)
	PatchTask(ctx context.Context, cred session.Credentials, taskID string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, cred session.Credentials, taskID string) error
}

// Options are shared by all stores.
type Options struct {
	Logger  *log.Logger
	Metrics *Metrics
	Broker  *Broker
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Broker == nil {
		o.Broker = NewBroker()
	}
	return o
}

// Snapshot is a consistent read of the task store.
type Snapshot struct {
	BoardID string
	Version uint64
	Tasks   []domain.Task
	Pending map[string]bool
}

func (s Snapshot) IsPending(taskID string) bool {
	return s.Pending[taskID]
}

// TaskStore caches the tasks of the currently open board.
type TaskStore struct {
	backend TaskBackend
	sess    session.Credentials
	logger  *log.Logger
	metrics *Metrics
	broker  *Broker

	mu      sync.RWMutex
	boardID string
	order   []string
	byID    map[string]domain.Task
	pending map[string]int
	version uint64
	gen     uint64
	loadSeq uint64
	closed  bool
}

func NewTaskStore(backend TaskBackend, sess session.Credentials, opts Options) *TaskStore {
	opts = opts.withDefaults()
	return &TaskStore{
		backend: backend,
		sess:    sess,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		broker:  opts.Broker,
		byID:    make(map[string]domain.Task),
		pending: make(map[string]int),
	}
}

// Load fetches the board's tasks and replaces the cached collection. On
// failure the previous collection stays in place.
func (s *TaskStore) Load(ctx context.Context, boardID string) (err error) {
	boardID = strings.TrimSpace(boardID)
	ctx, m := s.metrics.start(ctx, "tasks.load", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	if boardID == "" {
		return &domain.ValidationError{Field: "board_id", Reason: "must not be empty"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDetached
	}
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	tasks, err := s.backend.ListTasks(ctx, s.sess, boardID)
	if err != nil {
		return err
	}

	order := make([]string, 0, len(tasks))
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		if t.BoardID == "" {
			t.BoardID = boardID
		}
		if t.BoardID != boardID {
			s.logger.WithFields(log.Fields{"board_id": boardID, "task_id": t.ID, "task_board_id": t.BoardID}).Warn("dropping task from another board")
			continue
		}
		if t.ID == "" {
			s.logger.WithField("board_id", boardID).Warn("dropping task without id")
			continue
		}
		if _, dup := byID[t.ID]; !dup {
			order = append(order, t.ID)
		}
		byID[t.ID] = t.Clone()
	}

	s.mu.Lock()
	if s.closed || seq != s.loadSeq {
		s.mu.Unlock()
		return ErrDetached
	}
	if s.boardID != boardID {
		// In-flight mutations for the old board must not land here.
		s.gen++
		s.pending = make(map[string]int)
	}
	s.boardID = boardID
	s.order = order
	s.byID = byID
	s.version++
	s.mu.Unlock()

	m.Set("tasks", len(order))
	s.broker.Notify()
	return nil
}

// Create posts a new task to the open board.
func (s *TaskStore) Create(ctx context.Context, draft domain.TaskDraft) (task domain.Task, err error) {
	s.mu.RLock()
	boardID, gen, closed := s.boardID, s.gen, s.closed
	s.mu.RUnlock()

	ctx, m := s.metrics.start(ctx, "tasks.create", attribute.String("board_id", boardID))
	defer func() { m.Done(err) }()

	if closed {
		return domain.Task{}, ErrDetached
	}
	if strings.TrimSpace(draft.BoardID) == "" {
		draft.BoardID = boardID
	}
	draft = draft.Normalized()
	if err := draft.Validate(); err != nil {
		return domain.Task{}, err
	}
	if draft.BoardID != boardID {
		return domain.Task{}, &domain.ValidationError{Field: "board_id", Reason: "task must belong to the open board"}
	}

	created, err := s.backend.CreateTask(ctx, s.sess, draft)
	if err != nil {
		return domain.Task{}, err
	}
	if created.BoardID == "" {
		created.BoardID = boardID
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return domain.Task{}, ErrDetached
	}
	if _, exists := s.byID[created.ID]; !exists {
		s.order = append(s.order, created.ID)
	}
	s.byID[created.ID] = created.Clone()
	s.version++
	s.mu.Unlock()

	m.Set("task_id", created.ID)
	s.broker.Notify()
	return created, nil
}

// Patch sends the fields of patch that differ from the cached task. The
// cached task is replaced by the server's response only on success. A patch
// that changes nothing returns the cached task without a request.
func (s *TaskStore) Patch(ctx context.Context, taskID string, patch domain.TaskPatch) (task domain.Task, err error) {
	ctx, m := s.metrics.start(ctx, "tasks.patch", attribute.String("task_id", taskID))
	defer func() { m.Done(err) }()

	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Task{}, ErrDetached
	}
	cur, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	diff := patch.Diff(cur)
	if diff.IsEmpty() {
		s.mu.Unlock()
		m.Set("noop", true)
		return cur.Clone(), nil
	}
	gen := s.gen
	s.pending[taskID]++
	s.version++
	s.mu.Unlock()
	s.broker.Notify()

	updated, err := s.backend.PatchTask(ctx, s.sess, taskID, diff)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, ErrDetached
	}
	s.release(taskID)
	s.version++
	if err != nil {
		s.mu.Unlock()
		s.broker.Notify()
		return domain.Task{}, err
	}
	if _, still := s.byID[taskID]; !still {
		s.mu.Unlock()
		s.broker.Notify()
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
	}

	if updated.ID == "" {
		updated.ID = taskID
	}
	if updated.BoardID != cur.BoardID {
		if updated.BoardID != "" {
			s.logger.WithFields(log.Fields{"task_id": taskID, "board_id": cur.BoardID, "server_board_id": updated.BoardID}).Warn("server moved task across boards, keeping local board")
		}
		updated.BoardID = cur.BoardID
	}
	if updated.AssignedTo == nil {
		updated.AssignedTo = []string{}
	}
	s.byID[taskID] = updated.Clone()
	s.mu.Unlock()

	s.broker.Notify()
	return updated, nil
}

// Remove deletes a task on the server, then locally.
func (s *TaskStore) Remove(ctx context.Context, taskID string) (err error) {
	ctx, m := s.metrics.start(ctx, "tasks.remove", attribute.String("task_id", taskID))
	defer func() { m.Done(err) }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDetached
	}
	if _, ok := s.byID[taskID]; !ok {
		s.mu.Unlock()
		return &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	gen := s.gen
	s.pending[taskID]++
	s.version++
	s.mu.Unlock()
	s.broker.Notify()

	err = s.backend.DeleteTask(ctx, s.sess, taskID)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrDetached
	}
	s.release(taskID)
	s.version++
	if err == nil {
		delete(s.byID, taskID)
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == taskID })
	}
	s.mu.Unlock()

	s.broker.Notify()
	return err
}

// release must be called with mu held.
func (s *TaskStore) release(taskID string) {
	if n := s.pending[taskID]; n > 1 {
		s.pending[taskID] = n - 1
	} else {
		delete(s.pending, taskID)
	}
}

// Get is an O(1) lookup of a cached task.
func (s *TaskStore) Get(taskID string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[taskID]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	return t.Clone(), nil
}

// Tasks returns the cached tasks in fetch order, new tasks last.
func (s *TaskStore) Tasks() []domain.Task {
	return s.Snapshot().Tasks
}

func (s *TaskStore) BoardID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardID
}

// Closed reports whether Close has been called.
func (s *TaskStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *TaskStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *TaskStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		BoardID: s.boardID,
		Version: s.version,
		Tasks:   make([]domain.Task, 0, len(s.order)),
		Pending: make(map[string]bool, len(s.pending)),
	}
	for _, id := range s.order {
		snap.Tasks = append(snap.Tasks, s.byID[id].Clone())
	}
	for id := range s.pending {
		snap.Pending[id] = true
	}
	return snap
}

// Subscribe wakes the caller after every change. See Broker.
func (s *TaskStore) Subscribe() (<-chan struct{}, func()) {
	return s.broker.Subscribe()
}

// Close detaches the store. Responses still in flight are discarded and
// later calls fail with ErrDetached.
func (s *TaskStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.loadSeq++
	s.pending = make(map[string]int)
	s.version++
	s.mu.Unlock()
	s.broker.Notify()
}

// stripAssignee removes userID from every cached task of boardID and
// returns how many tasks changed. Callers notify subscribers.
func (s *TaskStore) stripAssignee(boardID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boardID != boardID {
		return 0
	}
	changed := 0
	for _, id := range s.order {
		t := s.byID[id]
		if !t.HasAssignee(userID) {
			continue
		}
		s.byID[id] = t.WithoutAssignee(userID)
		changed++
	}
	if changed > 0 {
		s.version++
	}
	return changed
}
