package storage

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"planner-sync/domain"
)

// flexID accepts ids encoded as strings or numbers. Objects carrying an id or
// _id field collapse to that id, which lets member lists arrive either as ids
// or as embedded users.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	switch data[0] {
	case '"':
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
	case '{':
		var ref struct {
			ID  flexID `json:"id"`
			OID flexID `json:"_id"`
		}
		if err := sonic.Unmarshal(data, &ref); err != nil {
			return err
		}
		*f = ref.ID
		if *f == "" {
			*f = ref.OID
		}
	default:
		n := strings.TrimSpace(string(data))
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return fmt.Errorf("id must be a string or number, got %s", n)
		}
		*f = flexID(n)
	}
	return nil
}

// flexIDs accepts null, one id, a comma separated string, or an array.
type flexIDs []string

func (f *flexIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = flexIDs{}
		return nil
	}
	if data[0] == '[' {
		var items []flexID
		if err := sonic.Unmarshal(data, &items); err != nil {
			return err
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, string(it))
		}
		*f = domain.NormalizeAssignees(ids)
		return nil
	}
	var one flexID
	if err := one.UnmarshalJSON(data); err != nil {
		return err
	}
	*f = domain.NormalizeAssignees(strings.Split(string(one), ","))
	return nil
}

type taskWire struct {
	ID          flexID  `json:"id"`
	OID         flexID  `json:"_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssignedTo  flexIDs `json:"assigned_to"`
	Deadline    *string `json:"deadline"`
	BoardID     flexID  `json:"board_id"`
}

// task converts the wire form, reporting anything that had to be coerced.
func (w taskWire) task() (domain.Task, []string) {
	var warnings []string
	t := domain.Task{
		ID:         string(w.ID),
		Title:      strings.TrimSpace(w.Title),
		AssignedTo: []string(w.AssignedTo),
		BoardID:    string(w.BoardID),
	}
	if t.ID == "" {
		t.ID = string(w.OID)
	}
	if t.AssignedTo == nil {
		t.AssignedTo = []string{}
	}
	if w.Description != nil {
		t.Description = *w.Description
	}

	status, ok := domain.ParseStatus(w.Status)
	if !ok {
		warnings = append(warnings, fmt.Sprintf("unknown status %q", w.Status))
		status = domain.StatusNotStarted
	}
	t.Status = status

	if w.Priority != "" {
		p, ok := domain.ParsePriority(w.Priority)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown priority %q", w.Priority))
		}
		t.Priority = p
	}

	if w.Deadline != nil && strings.TrimSpace(*w.Deadline) != "" {
		d, err := domain.ParseDate(*w.Deadline)
		if err != nil {
			warnings = append(warnings, err.Error())
		} else {
			t.Deadline = &d
		}
	}
	return t, warnings
}

type boardWire struct {
	ID        flexID  `json:"id"`
	OID       flexID  `json:"_id"`
	Name      string  `json:"name"`
	CreatedBy flexID  `json:"created_by"`
	Members   flexIDs `json:"members"`
}

func (w boardWire) board() domain.Board {
	b := domain.Board{
		ID:        string(w.ID),
		Name:      w.Name,
		CreatedBy: string(w.CreatedBy),
		Members:   []string(w.Members),
	}
	if b.ID == "" {
		b.ID = string(w.OID)
	}
	if b.Members == nil {
		b.Members = []string{}
	}
	return b
}

type userWire struct {
	ID       flexID `json:"id"`
	OID      flexID `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Photo    string `json:"photo"`
}

func (w userWire) user() domain.User {
	u := domain.User{ID: string(w.ID), Username: w.Username, Email: w.Email, Photo: w.Photo}
	if u.ID == "" {
		u.ID = string(w.OID)
	}
	return u
}

// taskCreateBody is the POST /api/tasks/ payload. Deadline is sent as null
// when unset; assigned_to is omitted when empty.
type taskCreateBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	BoardID     string   `json:"board_id"`
	Deadline    *string  `json:"deadline"`
	AssignedTo  []string `json:"assigned_to,omitempty"`
}

func newTaskCreateBody(d domain.TaskDraft) taskCreateBody {
	body := taskCreateBody{
		Title:       d.Title,
		Description: d.Description,
		Status:      string(d.Status),
		Priority:    string(d.Priority),
		BoardID:     d.BoardID,
		AssignedTo:  d.AssignedTo,
	}
	if d.Deadline != nil {
		s := d.Deadline.String()
		body.Deadline = &s
	}
	return body
}
