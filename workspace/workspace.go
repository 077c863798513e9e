// Package workspace bundles everything one signed-in user works with: the
// session, the stores sharing a change broker, and the mutation coordinator.
package workspace

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"planner-sync/mutation"
	"planner-sync/session"
	"planner-sync/storage"
	"planner-sync/store"
	"planner-sync/view"
)

// Workspace is safe for concurrent use. All stores notify the same broker,
// so one subscription sees every change.
type Workspace struct {
	Session *session.Session
	Tasks   *store.TaskStore
	Boards  *store.BoardStore
	Users   *store.Directory
	Mine    *store.UserTasks
	Moves   *mutation.Coordinator

	broker *store.Broker
	logger *log.Logger
}

// New wires the stores of one user to backend.
func New(backend storage.Backend, sess *session.Session, logger *log.Logger, metrics *store.Metrics) *Workspace {
	if logger == nil {
		logger = log.StandardLogger()
	}
	broker := store.NewBroker()
	opts := store.Options{Logger: logger, Metrics: metrics, Broker: broker}

	tasks := store.NewTaskStore(backend, sess, opts)
	return &Workspace{
		Session: sess,
		Tasks:   tasks,
		Boards:  store.NewBoardStore(backend, sess, tasks, opts),
		Users:   store.NewDirectory(backend, sess, opts),
		Mine:    store.NewUserTasks(backend, sess, opts),
		Moves:   mutation.New(tasks, logger),
		broker:  broker,
		logger:  logger,
	}
}

// Open loads a board's tasks. The user directory is loaded on first use; a
// directory failure only degrades assignee names and is reported as a notice.
func (w *Workspace) Open(ctx context.Context, boardID string) error {
	if err := w.Tasks.Load(ctx, boardID); err != nil {
		w.Moves.Report("load board", err)
		return err
	}
	w.ensureUsers(ctx)
	return nil
}

// MyTasks projects the caller's tasks across all boards. Board names come
// from the board cache, which is listed once when empty; like the user
// directory, a failure there only degrades the names.
func (w *Workspace) MyTasks(ctx context.Context) (view.Dashboard, error) {
	tasks, err := w.Mine.Load(ctx)
	if err != nil {
		w.Moves.Report("load my tasks", err)
		return view.Dashboard{}, err
	}
	w.ensureUsers(ctx)
	boards := w.Boards.Boards()
	if len(boards) == 0 {
		if boards, err = w.Boards.List(ctx); err != nil {
			w.logger.WithError(err).WithField("user_id", w.Session.UserID()).Warn("board names unavailable")
			w.Moves.Report("load boards", err)
		}
	}
	names := make(map[string]string, len(boards))
	for _, b := range boards {
		names[b.ID] = b.Name
	}
	return view.UserDashboard(w.Session.UserID(), tasks, w.Users, names), nil
}

func (w *Workspace) ensureUsers(ctx context.Context) {
	if w.Users.Loaded() {
		return
	}
	if err := w.Users.Load(ctx); err != nil {
		w.logger.WithError(err).WithField("user_id", w.Session.UserID()).Warn("user directory unavailable")
		w.Moves.Report("load users", err)
	}
}

// Project renders every view from one task snapshot.
func (w *Workspace) Project() view.Projection {
	snap := w.Tasks.Snapshot()
	return view.Project(snap.BoardID, snap.Version, snap.Tasks, snap.Pending, w.Users)
}

// Subscribe wakes the caller after any store change.
func (w *Workspace) Subscribe() (<-chan struct{}, func()) {
	return w.broker.Subscribe()
}

// Close detaches the stores. Responses still in flight are discarded.
func (w *Workspace) Close() {
	w.Tasks.Close()
}

// Expired reports whether the session token has run out at now.
func (w *Workspace) Expired(now time.Time) bool {
	return w.Session.Expired(now)
}
