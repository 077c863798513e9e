package domain

import (
	"slices"
	"strings"
)

// Status is the kanban column a task belongs to.
type Status string

const (
	StatusNotStarted  Status = "Not Started"
	StatusWorkingOnIt Status = "Working on It"
	StatusDone        Status = "Done"
)

// Statuses returns the board columns in display order.
func Statuses() []Status {
	return []Status{StatusNotStarted, StatusWorkingOnIt, StatusDone}
}

var legacyStatuses = map[string]Status{
	"":              StatusNotStarted,
	"pending":       StatusNotStarted,
	"to do":         StatusNotStarted,
	"todo":          StatusNotStarted,
	"not started":   StatusNotStarted,
	"in progress":   StatusWorkingOnIt,
	"working on it": StatusWorkingOnIt,
	"completed":     StatusDone,
	"done":          StatusDone,
}

// ParseStatus resolves a status string, accepting legacy spellings seen in
// older task records. ok is false for values that map to no column.
func ParseStatus(raw string) (Status, bool) {
	s, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// Valid reports whether s is one of the three canonical columns.
func (s Status) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// Priority of a task. The zero value means the service sent something we
// don't recognise.
type Priority string

const (
	PriorityUnknown Priority = ""
	PriorityLow     Priority = "Low"
	PriorityMedium  Priority = "Medium"
	PriorityHigh    Priority = "High"
)

// ParsePriority matches case-insensitively.
func ParsePriority(raw string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return PriorityLow, true
	case "medium":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityUnknown, false
}

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Task represents a single board item as cached by the client.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	AssignedTo  []string `json:"assigned_to"`
	Deadline    *Date    `json:"deadline"`
	BoardID     string   `json:"board_id"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	out := t
	if t.AssignedTo != nil {
		out.AssignedTo = slices.Clone(t.AssignedTo)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	return out
}

func (t Task) HasAssignee(userID string) bool {
	return slices.Contains(t.AssignedTo, userID)
}

// WithoutAssignee returns a copy of t with userID removed from AssignedTo.
func (t Task) WithoutAssignee(userID string) Task {
	out := t.Clone()
	out.AssignedTo = slices.DeleteFunc(out.AssignedTo, func(id string) bool { return id == userID })
	return out
}

// NormalizeAssignees trims, drops blanks and de-duplicates ids while keeping
// first-seen order. The result is never nil.
func NormalizeAssignees(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// TaskDraft is the input for creating a task. The server assigns the id.
type TaskDraft struct {
	Title       string
	Description string
	Status      Status
	Priority    Priority
	AssignedTo  []string
	Deadline    *Date
	BoardID     string
}

// Normalized trims text fields and fills in the defaults new tasks get.
func (d TaskDraft) Normalized() TaskDraft {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.BoardID = strings.TrimSpace(d.BoardID)
	if d.Status == "" {
		d.Status = StatusNotStarted
	}
	if d.Priority == PriorityUnknown {
		d.Priority = PriorityMedium
	}
	d.AssignedTo = NormalizeAssignees(d.AssignedTo)
	return d
}

func (d TaskDraft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if strings.TrimSpace(d.BoardID) == "" {
		return &ValidationError{Field: "board_id", Reason: "no board is open"}
	}
	if d.Status != "" && !d.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(d.Status)}
	}
	if d.Priority != PriorityUnknown && !d.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(d.Priority)}
	}
	return nil
}

// TaskPatch is a partial update. Nil fields are left unchanged. AssignedTo
// follows the same rule: nil keeps the current assignees, an empty non-nil
// slice clears them. Deadline is cleared with ClearDeadline.
type TaskPatch struct {
	Title         *string
	Description   *string
	Status        *Status
	Priority      *Priority
	AssignedTo    []string
	Deadline      *Date
	ClearDeadline bool
}

// StatusPatch builds the patch issued by a drag between columns.
func StatusPatch(s Status) TaskPatch {
	return TaskPatch{Status: &s}
}

func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssignedTo == nil && p.Deadline == nil && !p.ClearDeadline
}

func (p TaskPatch) Validate() error {
	if p.IsEmpty() {
		return &ValidationError{Field: "patch", Reason: "no fields to update"}
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(*p.Status)}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(*p.Priority)}
	}
	if p.Deadline != nil && p.ClearDeadline {
		return &ValidationError{Field: "deadline", Reason: "cannot set and clear in one patch"}
	}
	return nil
}

// Diff drops every field whose value already matches cur, so only real
// changes go over the wire. Text fields are trimmed first.
func (p TaskPatch) Diff(cur Task) TaskPatch {
	var out TaskPatch
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title != cur.Title {
			out.Title = &title
		}
	}
	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		if desc != cur.Description {
			out.Description = &desc
		}
	}
	if p.Status != nil && *p.Status != cur.Status {
		s := *p.Status
		out.Status = &s
	}
	if p.Priority != nil && *p.Priority != cur.Priority {
		pr := *p.Priority
		out.Priority = &pr
	}
	if p.AssignedTo != nil {
		ids := NormalizeAssignees(p.AssignedTo)
		if !slices.Equal(ids, cur.AssignedTo) {
			out.AssignedTo = ids
		}
	}
	switch {
	case p.Deadline != nil:
		if cur.Deadline == nil || *cur.Deadline != *p.Deadline {
			d := *p.Deadline
			out.Deadline = &d
		}
	case p.ClearDeadline:
		out.ClearDeadline = cur.Deadline != nil
	}
	return out
}

// Fields renders the patch as the JSON body the service expects.
func (p TaskPatch) Fields() map[string]any {
	body := make(map[string]any)
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	if p.Status != nil {
		body["status"] = string(*p.Status)
	}
	if p.Priority != nil {
		body["priority"] = string(*p.Priority)
	}
	if p.AssignedTo != nil {
		body["assigned_to"] = p.AssignedTo
	}
	if p.Deadline != nil {
		body["deadline"] = p.Deadline.String()
	} else if p.ClearDeadline {
		body["deadline"] = nil
	}
	return body
}
