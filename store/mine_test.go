package store

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"planner-sync/domain"
)

func TestUserTasksSpanBoards(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(domain.Task{ID: "1", Title: "a", Status: domain.StatusDone, BoardID: "b1", AssignedTo: []string{"owner"}})
	h.fake.AddTask(domain.Task{ID: "2", Title: "b", Status: domain.StatusDone, BoardID: "b2", AssignedTo: []string{"u2", "owner"}})
	h.fake.AddTask(domain.Task{ID: "3", Title: "c", Status: domain.StatusDone, BoardID: "b1", AssignedTo: []string{"u2"}})

	mine := NewUserTasks(h.client, testCreds{user: "owner"}, Options{})
	tasks, err := mine.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "1" || tasks[1].ID != "2" {
		t.Fatalf("unexpected tasks %#v", tasks)
	}
	if n := h.fake.Calls("GET /api/tasks/user/owner"); n != 1 {
		t.Fatalf("expected one request, got %d", n)
	}
}

func TestUserTasksDropDuplicates(t *testing.T) {
	h := newHarness(t)
	h.fake.Handle("GET /api/tasks/user/owner", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1","title":"a","status":"Done"},{"id":"1","title":"again","status":"Done"},{"title":"no id","status":"Done"}]`))
	})
	tasks, err := NewUserTasks(h.client, testCreds{user: "owner"}, Options{}).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Fatalf("unexpected tasks %#v", tasks)
	}
}

func TestUserTasksNeedAUser(t *testing.T) {
	h := newHarness(t)
	_, err := NewUserTasks(h.client, testCreds{}, Options{}).Load(context.Background())
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := h.fake.Calls(""); n != 0 {
		t.Fatalf("expected no request, got %d", n)
	}
}

func TestUserTasksSurfaceFetchErrors(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail("GET /api/tasks/user/owner", http.StatusInternalServerError, "boom")
	_, err := NewUserTasks(h.client, testCreds{user: "owner"}, Options{}).Load(context.Background())
	var fe *domain.FetchError
	if !errors.As(err, &fe) || fe.Detail != "boom" {
		t.Fatalf("expected fetch error, got %v", err)
	}
}
