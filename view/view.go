// Package view turns a task snapshot into the three board views and the
// dashboard summary. Projectors are pure: the same tasks always give the same
// output and the input is never modified.
package view

import (
	"strings"

	"planner-sync/domain"
)

const (
	Unassigned  = "Unassigned"
	UnknownUser = "Unknown user"
	NoDeadline  = "No Deadline"

	gridDeadlineLayout = "02-01-2006"
)

// UserLookup resolves assignee ids. store.Directory satisfies it.
type UserLookup interface {
	Lookup(userID string) (domain.User, bool)
}

// Bucket is one kanban column.
type Bucket struct {
	Status domain.Status `json:"status"`
	Tasks  []domain.Task `json:"tasks"`
}

// Kanban returns exactly three buckets in column order. A task with a status
// outside the three columns lands in Not Started.
func Kanban(tasks []domain.Task) []Bucket {
	statuses := domain.Statuses()
	buckets := make([]Bucket, len(statuses))
	index := make(map[domain.Status]int, len(statuses))
	for i, s := range statuses {
		buckets[i] = Bucket{Status: s, Tasks: []domain.Task{}}
		index[s] = i
	}
	for _, t := range tasks {
		i, ok := index[t.Status]
		if !ok {
			i = index[domain.StatusNotStarted]
		}
		buckets[i].Tasks = append(buckets[i].Tasks, t.Clone())
	}
	return buckets
}

// Row is one line of the task grid.
type Row struct {
	Number      int             `json:"number"`
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	AssignedTo  []string        `json:"assigned_to"`
	Assignees   string          `json:"assignees"`
	Deadline    string          `json:"deadline"`
	BoardID     string          `json:"board_id"`
	BoardName   string          `json:"board_name,omitempty"`
	RowClass    string          `json:"row_class"`
}

// Grid numbers rows from 1 in input order. users may be nil, in which case
// every assignee renders as the unknown-user placeholder.
func Grid(tasks []domain.Task, users UserLookup) []Row {
	rows := make([]Row, 0, len(tasks))
	for i, t := range tasks {
		rows = append(rows, Row{
			Number:      i + 1,
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Status:      t.Status,
			Priority:    t.Priority,
			AssignedTo:  assigned(t),
			Assignees:   assigneeNames(t.AssignedTo, users),
			Deadline:    gridDeadline(t.Deadline),
			BoardID:     t.BoardID,
			RowClass:    rowClass(t.Priority),
		})
	}
	return rows
}

func assigneeNames(ids []string, users UserLookup) string {
	if len(ids) == 0 {
		return Unassigned
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name := UnknownUser
		if users != nil {
			if u, ok := users.Lookup(id); ok && u.Username != "" {
				name = u.Username
			}
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func gridDeadline(d *domain.Date) string {
	if d == nil {
		return NoDeadline
	}
	return d.Format(gridDeadlineLayout)
}

func rowClass(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return "priority-high"
	case domain.PriorityMedium:
		return "priority-medium"
	case domain.PriorityLow:
		return "priority-low"
	}
	return "priority-none"
}

// Event is a calendar entry for a task with a deadline.
type Event struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Date  string    `json:"date"`
	Color string    `json:"color"`
	Meta  EventMeta `json:"meta"`
}

type EventMeta struct {
	Description string          `json:"description"`
	AssignedTo  []string        `json:"assigned_to"`
	Assignees   string          `json:"assignees"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	BoardID     string          `json:"board_id"`
}

// Calendar keeps input order and skips tasks without a deadline.
func Calendar(tasks []domain.Task) []Event {
	events := make([]Event, 0, len(tasks))
	for _, t := range tasks {
		if t.Deadline == nil {
			continue
		}
		ids := assigned(t)
		assignees := Unassigned
		if len(ids) > 0 {
			assignees = strings.Join(ids, ", ")
		}
		events = append(events, Event{
			ID:    t.ID,
			Title: t.Title,
			Date:  t.Deadline.String(),
			Color: PriorityColor(t.Priority),
			Meta: EventMeta{
				Description: t.Description,
				AssignedTo:  ids,
				Assignees:   assignees,
				Status:      t.Status,
				Priority:    t.Priority,
				BoardID:     t.BoardID,
			},
		})
	}
	return events
}

// PriorityColor is the calendar background for a priority.
func PriorityColor(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return "#ffcccb"
	case domain.PriorityMedium:
		return "#ffeb99"
	case domain.PriorityLow:
		return "#c8e6c9"
	}
	return "#ffffff"
}

// Summary holds the dashboard counters of one board.
type Summary struct {
	Total       int `json:"total"`
	NotStarted  int `json:"not_started"`
	WorkingOnIt int `json:"working_on_it"`
	Done        int `json:"done"`
}

// Summarize counts per column, using the same fallback as Kanban.
func Summarize(tasks []domain.Task) Summary {
	var s Summary
	for _, t := range tasks {
		s.Total++
		switch t.Status {
		case domain.StatusWorkingOnIt:
			s.WorkingOnIt++
		case domain.StatusDone:
			s.Done++
		default:
			s.NotStarted++
		}
	}
	return s
}

func assigned(t domain.Task) []string {
	if len(t.AssignedTo) == 0 {
		return []string{}
	}
	return append([]string(nil), t.AssignedTo...)
}
