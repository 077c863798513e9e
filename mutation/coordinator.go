// Package mutation turns user gestures into task store calls. Nothing is
// applied optimistically: a dragged card stays in its source column until the
// service confirms the move, and every failure becomes a notice the user can
// dismiss.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"planner-sync/domain"
	"planner-sync/store"
)

const maxNotices = 50

// Phase is where a gesture is in its lifecycle.
type Phase int

const (
	Idle Phase = iota
	Dragging
	Pending
	Committed
	RolledBack
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Gesture is one drag of one card.
type Gesture struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Source      domain.Status `json:"source"`
	Destination domain.Status `json:"destination,omitempty"`
	Phase       Phase         `json:"phase"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Notice is a user-visible failure report.
type Notice struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Action  string    `json:"action"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Tasks is what the coordinator needs from the task store.
type Tasks interface {
	Get(taskID string) (domain.Task, error)
	Create(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	Patch(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error)
	Remove(ctx context.Context, taskID string) error
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	tasks  Tasks
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	gestures map[string]*Gesture
	notices  []Notice
}

func New(tasks Tasks, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{
		tasks:    tasks,
		logger:   logger,
		now:      time.Now,
		gestures: make(map[string]*Gesture),
	}
}

// BeginDrag starts a gesture from the task's current column.
func (c *Coordinator) BeginDrag(taskID string) (Gesture, error) {
	t, err := c.tasks.Get(taskID)
	if err != nil {
		return Gesture{}, err
	}
	g := &Gesture{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Source:    t.Status,
		Phase:     Dragging,
		StartedAt: c.now(),
	}
	c.mu.Lock()
	c.gestures[g.ID] = g
	c.mu.Unlock()
	return *g, nil
}

// Cancel abandons a drag that has not been dropped.
func (c *Coordinator) Cancel(gestureID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gestures[gestureID]
	if !ok || g.Phase != Dragging {
		return false
	}
	delete(c.gestures, gestureID)
	return true
}

// Drop ends a drag. A nil destination means the card was dropped outside
// any column.
func (c *Coordinator) Drop(ctx context.Context, gestureID string, destination *domain.Status) (Gesture, error) {
	c.mu.Lock()
	g, ok := c.gestures[gestureID]
	if !ok || g.Phase != Dragging {
		c.mu.Unlock()
		return Gesture{}, &domain.NotFoundError{Kind: "gesture", ID: gestureID}
	}
	// Claim it so a second drop of the same gesture fails.
	g.Phase = Pending
	c.mu.Unlock()
	return c.settle(ctx, g, destination)
}

// Move is BeginDrag and Drop in one call with a caller-supplied source
// column. Dropping outside a column or onto the source column is a no-op and
// makes no request.
func (c *Coordinator) Move(ctx context.Context, taskID string, source domain.Status, destination *domain.Status) (Gesture, error) {
	g := &Gesture{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Source:    source,
		Phase:     Dragging,
		StartedAt: c.now(),
	}
	c.mu.Lock()
	c.gestures[g.ID] = g
	c.mu.Unlock()
	return c.settle(ctx, g, destination)
}

func (c *Coordinator) settle(ctx context.Context, g *Gesture, destination *domain.Status) (Gesture, error) {
	c.mu.Lock()
	if destination == nil || *destination == g.Source {
		g.Phase = Idle
		g.FinishedAt = c.now()
		delete(c.gestures, g.ID)
		out := *g
		c.mu.Unlock()
		return out, nil
	}
	g.Destination = *destination
	g.Phase = Pending
	c.mu.Unlock()

	_, err := c.tasks.Patch(ctx, g.TaskID, domain.StatusPatch(*destination))

	c.mu.Lock()
	g.FinishedAt = c.now()
	if err != nil {
		g.Phase = RolledBack
		g.Error = err.Error()
	} else {
		g.Phase = Committed
	}
	delete(c.gestures, g.ID)
	out := *g
	c.mu.Unlock()

	fields := log.Fields{
		"gesture_id":  out.ID,
		"task_id":     out.TaskID,
		"source":      string(out.Source),
		"destination": string(out.Destination),
		"phase":       out.Phase.String(),
	}
	if err != nil {
		c.report("move task", out.TaskID, err)
		c.logger.WithFields(fields).WithError(err).Info("task move rolled back")
		return out, err
	}
	c.logger.WithFields(fields).Debug("task move committed")
	return out, nil
}

// InFlight lists gestures that are dragging or waiting for the service.
func (c *Coordinator) InFlight() []Gesture {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Gesture, 0, len(c.gestures))
	for _, g := range c.gestures {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b Gesture) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Edit applies an inline edit from the task editor.
func (c *Coordinator) Edit(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := c.tasks.Patch(ctx, taskID, patch)
	if err != nil {
		c.report("edit task", taskID, err)
		return domain.Task{}, err
	}
	return t, nil
}

func (c *Coordinator) Create(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	t, err := c.tasks.Create(ctx, draft)
	if err != nil {
		c.report("create task", "", err)
		return domain.Task{}, err
	}
	return t, nil
}

func (c *Coordinator) Delete(ctx context.Context, taskID string) error {
	if err := c.tasks.Remove(ctx, taskID); err != nil {
		c.report("delete task", taskID, err)
		return err
	}
	return nil
}

// Notices returns outstanding notices, oldest first.
func (c *Coordinator) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.notices)
}

// Dismiss removes a notice. It reports false for unknown ids.
func (c *Coordinator) Dismiss(noticeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.notices)
	c.notices = slices.DeleteFunc(c.notices, func(x Notice) bool { return x.ID == noticeID })
	return len(c.notices) != n
}

// Report records a failure from outside the coordinator, such as a board
// load, so it shows up next to gesture failures.
func (c *Coordinator) Report(action string, err error) {
	c.report(action, "", err)
}

func (c *Coordinator) report(action, taskID string, err error) {
	if err == nil || errors.Is(err, store.ErrDetached) {
		return
	}
	n := Notice{
		ID:      uuid.NewString(),
		Kind:    domain.Kind(err),
		Action:  action,
		TaskID:  taskID,
		Message: noticeMessage(action, err),
		At:      c.now(),
	}
	c.mu.Lock()
	c.notices = append(c.notices, n)
	if len(c.notices) > maxNotices {
		c.notices = slices.Clone(c.notices[len(c.notices)-maxNotices:])
	}
	c.mu.Unlock()
}

func noticeMessage(action string, err error) string {
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		switch {
		case fe.Detail != "":
			return fmt.Sprintf("Could not %s: %s", action, fe.Detail)
		case fe.Transport():
			return fmt.Sprintf("Could not %s: the planner service is unreachable", action)
		default:
			return fmt.Sprintf("Could not %s: the planner service answered %d", action, fe.StatusCode)
		}
	}
	return fmt.Sprintf("Could not %s: %v", action, err)
}
