package store

import (
	"context"

	log "github.com/sirupsen/logrus"

	"planner-sync/domain"
	"planner-sync/session"
)

type UserTaskBackend interface {
	ListUserTasks(ctx context.Context, cred session.Credentials, userID string) ([]domain.Task, error)
}

// UserTasks is the caller's task list across every board. It is read-only
// and keeps nothing: each Load asks the service again, and edits go through
// the task store of the board that owns the task.
type UserTasks struct {
	backend UserTaskBackend
	sess    session.Credentials
	logger  *log.Logger
	metrics *Metrics
}

func NewUserTasks(backend UserTaskBackend, sess session.Credentials, opts Options) *UserTasks {
	opts = opts.withDefaults()
	return &UserTasks{backend: backend, sess: sess, logger: opts.Logger, metrics: opts.Metrics}
}

// Load fetches the tasks assigned to the session's user. Duplicate ids keep
// their first occurrence.
func (u *UserTasks) Load(ctx context.Context) (tasks []domain.Task, err error) {
	ctx, m := u.metrics.start(ctx, "tasks.load_mine")
	defer func() { m.Done(err) }()

	userID := ""
	if u.sess != nil {
		userID = u.sess.UserID()
	}
	if userID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "session carries no user id"}
	}

	fetched, err := u.backend.ListUserTasks(ctx, u.sess, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fetched))
	tasks = make([]domain.Task, 0, len(fetched))
	for _, t := range fetched {
		if t.ID == "" || seen[t.ID] {
			u.logger.WithField("task_id", t.ID).Debug("skipping duplicate or unidentified task")
			continue
		}
		seen[t.ID] = true
		tasks = append(tasks, t.Clone())
	}
	m.Set("tasks", len(tasks))
	return tasks, nil
}
