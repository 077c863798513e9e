package view

import (
	"slices"

	"planner-sync/domain"
)

// Projection bundles every view of one task snapshot so they can never
// disagree with each other.
type Projection struct {
	BoardID  string   `json:"board_id"`
	Version  uint64   `json:"version"`
	Pending  []string `json:"pending"`
	Kanban   []Bucket `json:"kanban"`
	Grid     []Row    `json:"grid"`
	Calendar []Event  `json:"calendar"`
	Summary  Summary  `json:"summary"`
}

// Project runs all projectors over the same tasks.
func Project(boardID string, version uint64, tasks []domain.Task, pending map[string]bool, users UserLookup) Projection {
	ids := make([]string, 0, len(pending))
	for id, ok := range pending {
		if ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return Projection{
		BoardID:  boardID,
		Version:  version,
		Pending:  ids,
		Kanban:   Kanban(tasks),
		Grid:     Grid(tasks, users),
		Calendar: Calendar(tasks),
		Summary:  Summarize(tasks),
	}
}

// Dashboard is the caller's own tasks across boards. It has no kanban: a
// task can only be moved within its board.
type Dashboard struct {
	UserID   string  `json:"user_id"`
	Grid     []Row   `json:"grid"`
	Calendar []Event `json:"calendar"`
	Summary  Summary `json:"summary"`
}

// UserDashboard projects tasks gathered from several boards. boardNames maps
// board ids to names for the grid; unknown boards keep an empty name.
func UserDashboard(userID string, tasks []domain.Task, users UserLookup, boardNames map[string]string) Dashboard {
	rows := Grid(tasks, users)
	for i := range rows {
		rows[i].BoardName = boardNames[rows[i].BoardID]
	}
	return Dashboard{
		UserID:   userID,
		Grid:     rows,
		Calendar: Calendar(tasks),
		Summary:  Summarize(tasks),
	}
}
