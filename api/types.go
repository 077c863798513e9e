package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"planner-sync/domain"
	"planner-sync/mutation"
)

// SonicSerializer is echo's JSON serializer backed by sonic.
type SonicSerializer struct{}

func (SonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (SonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body").SetInternal(err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type boardBody struct {
	Name string `json:"name"`
}

type draftBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	AssignedTo  []string `json:"assigned_to"`
	Deadline    string   `json:"deadline"`
}

func (b draftBody) draft(boardID string) (domain.TaskDraft, error) {
	status, ok := domain.ParseStatus(b.Status)
	if !ok {
		return domain.TaskDraft{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", b.Status)}
	}
	var priority domain.Priority
	if strings.TrimSpace(b.Priority) != "" {
		if priority, ok = domain.ParsePriority(b.Priority); !ok {
			return domain.TaskDraft{}, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", b.Priority)}
		}
	}
	d := domain.TaskDraft{
		Title:       b.Title,
		Description: b.Description,
		Status:      status,
		Priority:    priority,
		AssignedTo:  domain.NormalizeAssignees(b.AssignedTo),
		BoardID:     boardID,
	}
	if strings.TrimSpace(b.Deadline) != "" {
		date, err := domain.ParseDate(b.Deadline)
		if err != nil {
			return domain.TaskDraft{}, &domain.ValidationError{Field: "deadline", Reason: err.Error()}
		}
		d.Deadline = &date
	}
	return d, nil
}

// patchFromFields reads a partial update. Absent keys stay unchanged; a null
// deadline clears it.
func patchFromFields(fields map[string]any) (domain.TaskPatch, error) {
	var p domain.TaskPatch
	for key, raw := range fields {
		switch key {
		case "title", "description":
			s, ok := raw.(string)
			if !ok {
				return p, &domain.ValidationError{Field: key, Reason: "must be a string"}
			}
			if key == "title" {
				p.Title = &s
			} else {
				p.Description = &s
			}
		case "status":
			s, _ := raw.(string)
			status, ok := domain.ParseStatus(s)
			if !ok || s == "" {
				return p, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
			}
			p.Status = &status
		case "priority":
			s, _ := raw.(string)
			priority, ok := domain.ParsePriority(s)
			if !ok {
				return p, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
			}
			p.Priority = &priority
		case "assigned_to":
			ids := []string{}
			switch v := raw.(type) {
			case nil:
			case []any:
				for _, item := range v {
					id, ok := item.(string)
					if !ok {
						return p, &domain.ValidationError{Field: "assigned_to", Reason: "must be a list of user ids"}
					}
					ids = append(ids, id)
				}
			default:
				return p, &domain.ValidationError{Field: "assigned_to", Reason: "must be a list of user ids"}
			}
			p.AssignedTo = domain.NormalizeAssignees(ids)
		case "deadline":
			switch v := raw.(type) {
			case nil:
				p.ClearDeadline = true
			case string:
				if strings.TrimSpace(v) == "" {
					p.ClearDeadline = true
					continue
				}
				date, err := domain.ParseDate(v)
				if err != nil {
					return p, &domain.ValidationError{Field: "deadline", Reason: err.Error()}
				}
				p.Deadline = &date
			default:
				return p, &domain.ValidationError{Field: "deadline", Reason: "must be a date or null"}
			}
		default:
			return p, &domain.ValidationError{Field: key, Reason: "unknown field"}
		}
	}
	return p, nil
}

type moveBody struct {
	Source      string  `json:"source"`
	Destination *string `json:"destination"`
}

type dropBody struct {
	Destination *string `json:"destination"`
}

// destination parses an optional column. A nil or empty value is a drop
// outside every column.
func destination(raw *string) (*domain.Status, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	s, ok := domain.ParseStatus(*raw)
	if !ok {
		return nil, &domain.ValidationError{Field: "destination", Reason: fmt.Sprintf("unknown status %q", *raw)}
	}
	return &s, nil
}

type moveResponse struct {
	Gesture mutation.Gesture `json:"gesture"`
	Task    *domain.Task     `json:"task,omitempty"`
}
