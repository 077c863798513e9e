// Package fakeplanner is an in-memory stand-in for the planner REST service,
// served over httptest. Tests use it as the mock transport: it counts calls,
// records request bodies and lets individual routes be overridden.
package fakeplanner

import (
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"planner-sync/domain"
	"planner-sync/session"
)

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   []byte
}

// Server holds boards, tasks and users keyed by id.
type Server struct {
	*httptest.Server

	// Token, when set, must be presented as the bearer token.
	Token string

	mu         sync.Mutex
	nextID     int
	boards     map[string]domain.Board
	boardOrder []string
	tasks      map[string]domain.Task
	taskOrder  []string
	users      []domain.User
	requests   []Request
	overrides  map[string]http.HandlerFunc
}

// New starts a server. Callers should defer Close.
func New() *Server {
	s := &Server{
		nextID:    100,
		boards:    make(map[string]domain.Board),
		tasks:     make(map[string]domain.Task),
		overrides: make(map[string]http.HandlerFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/groups/{$}", s.listBoards)
	mux.HandleFunc("POST /api/groups/{$}", s.createBoard)
	mux.HandleFunc("GET /api/groups/{id}", s.getBoard)
	mux.HandleFunc("PATCH /api/groups/{id}", s.renameBoard)
	mux.HandleFunc("DELETE /api/groups/{id}", s.deleteBoard)
	mux.HandleFunc("GET /api/groups/{id}/users", s.listMembers)
	mux.HandleFunc("PATCH /api/groups/{id}/add_user/{uid}", s.addMember)
	mux.HandleFunc("DELETE /api/groups/{id}/remove_user/{uid}", s.removeMember)
	mux.HandleFunc("GET /api/tasks/{$}", s.listTasks)
	mux.HandleFunc("GET /api/tasks/user/{uid}", s.listUserTasks)
	mux.HandleFunc("POST /api/tasks/{$}", s.createTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.patchTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)
	mux.HandleFunc("GET /api/users/{$}", s.listUsers)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   body,
		})
		override := s.overrides[r.Method+" "+r.URL.Path]
		token := s.Token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		if override != nil {
			override(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// Handle overrides one route, e.g. Handle("PATCH /api/tasks/1", fn).
func (s *Server) Handle(route string, fn http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[route] = fn
}

// Fail makes route answer with status and a FastAPI style detail body.
func (s *Server) Fail(route string, status int, detail string) {
	s.Handle(route, func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, status, detail)
	})
}

// Reset removes an override.
func (s *Server) Reset(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, route)
}

// Calls counts requests matching "METHOD /path". An empty route counts all.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if route == "" {
		return len(s.requests)
	}
	n := 0
	for _, r := range s.requests {
		if r.Method+" "+r.Path == route {
			n++
		}
	}
	return n
}

// Requests returns a copy of everything received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// LastBody decodes the body of the latest request matching route.
func (s *Server) LastBody(route string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		r := s.requests[i]
		if r.Method+" "+r.Path != route {
			continue
		}
		var out map[string]any
		if err := sonic.Unmarshal(r.Body, &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}

// AddUser seeds the user directory.
func (s *Server) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

// AddBoard seeds a board. The owner is added to members when missing.
func (s *Server) AddBoard(b domain.Board) domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = s.newID()
	}
	if b.CreatedBy != "" && !b.HasMember(b.CreatedBy) {
		b.Members = append([]string{b.CreatedBy}, b.Members...)
	}
	if _, ok := s.boards[b.ID]; !ok {
		s.boardOrder = append(s.boardOrder, b.ID)
	}
	s.boards[b.ID] = b.Clone()
	return b
}

// AddTask seeds a task.
func (s *Server) AddTask(t domain.Task) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.AssignedTo == nil {
		t.AssignedTo = []string{}
	}
	if _, ok := s.tasks[t.ID]; !ok {
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return t
}

// Task returns the server's copy of a task.
func (s *Server) Task(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t.Clone(), ok
}

// Board returns the server's copy of a board.
func (s *Server) Board(id string) (domain.Board, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	return b.Clone(), ok
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func (s *Server) listBoards(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]domain.Board, 0, len(s.boardOrder))
	for _, id := range s.boardOrder {
		out = append(out, s.boards[id].Clone())
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBoard(w http.ResponseWriter, r *http.Request) {
	b, ok := s.Board(r.PathValue("id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Group not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) createBoard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	writeJSON(w, http.StatusOK, s.AddBoard(domain.Board{Name: body.Name, CreatedBy: callerID(r)}))
}

func (s *Server) renameBoard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	b, ok := s.boards[r.PathValue("id")]
	if ok {
		b.Name = body.Name
		s.boards[b.ID] = b
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Group not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBoard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.boards[id]
	if ok {
		delete(s.boards, id)
		s.boardOrder = slices.DeleteFunc(s.boardOrder, func(v string) bool { return v == id })
		for tid, t := range s.tasks {
			if t.BoardID == id {
				delete(s.tasks, tid)
			}
		}
		s.taskOrder = slices.DeleteFunc(s.taskOrder, func(v string) bool { _, ok := s.tasks[v]; return !ok })
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Group not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Group deleted"})
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b, ok := s.boards[r.PathValue("id")]
	var out []domain.User
	if ok {
		for _, id := range b.Members {
			for _, u := range s.users {
				if u.ID == id {
					out = append(out, u)
				}
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Group not found")
		return
	}
	if out == nil {
		out = []domain.User{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	s.mu.Lock()
	b, ok := s.boards[r.PathValue("id")]
	if ok && !b.HasMember(uid) {
		b.Members = append(b.Members, uid)
		s.boards[b.ID] = b
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Group not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User added to group"})
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	s.mu.Lock()
	b, ok := s.boards[r.PathValue("id")]
	owner := ok && b.CreatedBy == uid
	if ok && !owner {
		b.Members = slices.DeleteFunc(b.Members, func(v string) bool { return v == uid })
		s.boards[b.ID] = b
		for id, t := range s.tasks {
			if t.BoardID == b.ID && t.HasAssignee(uid) {
				s.tasks[id] = t.WithoutAssignee(uid)
			}
		}
	}
	s.mu.Unlock()
	switch {
	case !ok:
		writeDetail(w, http.StatusNotFound, "Group not found")
	case owner:
		writeDetail(w, http.StatusForbidden, "The owner cannot be removed from the group")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "User removed from group"})
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	boardID := r.URL.Query().Get("board_id")
	s.mu.Lock()
	out := make([]domain.Task, 0)
	for _, id := range s.taskOrder {
		if t := s.tasks[id]; boardID == "" || t.BoardID == boardID {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listUserTasks(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	s.mu.Lock()
	out := make([]domain.Task, 0)
	for _, id := range s.taskOrder {
		if t := s.tasks[id]; t.HasAssignee(uid) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var t domain.Task
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&t); err != nil || strings.TrimSpace(t.Title) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "title is required")
		return
	}
	t.ID = ""
	writeJSON(w, http.StatusOK, s.AddTask(t))
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	t, ok := s.tasks[r.PathValue("id")]
	if ok {
		t = applyFields(t, fields)
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		s.taskOrder = slices.DeleteFunc(s.taskOrder, func(v string) bool { return v == id })
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
}

func (s *Server) listUsers(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := slices.Clone(s.users)
	s.mu.Unlock()
	if out == nil {
		out = []domain.User{}
	}
	writeJSON(w, http.StatusOK, out)
}

func callerID(r *http.Request) string {
	token, err := session.TokenFromRequest(r)
	if err != nil {
		return ""
	}
	claims, err := session.ParseClaims(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}

func applyFields(t domain.Task, fields map[string]any) domain.Task {
	t = t.Clone()
	for k, v := range fields {
		switch k {
		case "title":
			t.Title, _ = v.(string)
		case "description":
			t.Description, _ = v.(string)
		case "status":
			s, _ := v.(string)
			t.Status = domain.Status(s)
		case "priority":
			p, _ := v.(string)
			t.Priority = domain.Priority(p)
		case "assigned_to":
			ids := []string{}
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if id, ok := item.(string); ok {
						ids = append(ids, id)
					}
				}
			}
			t.AssignedTo = ids
		case "deadline":
			t.Deadline = nil
			if raw, ok := v.(string); ok {
				if d, err := domain.ParseDate(raw); err == nil {
					t.Deadline = &d
				}
			}
		}
	}
	return t
}

// WriteJSON is exported for overrides that want to answer with a body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
