package store

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"planner-sync/domain"
	"planner-sync/internal/fakeplanner"
	"planner-sync/storage"
)

type testCreds struct{ user string }

func (c testCreds) BearerToken() string { return "test.token.sig" }
func (c testCreds) UserID() string      { return c.user }

type harness struct {
	fake   *fakeplanner.Server
	client *storage.Client
	tasks  *TaskStore
	boards *BoardStore
	hook   *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := fakeplanner.New()
	fake.Token = "test.token.sig"
	t.Cleanup(fake.Close)

	logger, hook := test.NewNullLogger()
	client, err := storage.New(fake.URL, storage.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	creds := testCreds{user: "owner"}
	opts := Options{Logger: logger}
	tasks := NewTaskStore(client, creds, opts)
	boards := NewBoardStore(client, creds, tasks, opts)
	return &harness{fake: fake, client: client, tasks: tasks, boards: boards, hook: hook}
}

// block holds route until the returned release func is called. The arrived
// channel closes when the request reaches the server.
func block(fake *fakeplanner.Server, route string, respond http.HandlerFunc) (arrived <-chan struct{}, release func()) {
	in := make(chan struct{})
	out := make(chan struct{})
	fake.Handle(route, func(w http.ResponseWriter, r *http.Request) {
		close(in)
		<-out
		respond(w, r)
	})
	return in, func() { close(out) }
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestLoadKeepsOnlyTasksOfRequestedBoard(t *testing.T) {
	h := newHarness(t)
	h.fake.Handle("GET /api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, []map[string]any{
			{"id": 1, "title": "mine", "status": "Not Started", "board_id": "b1"},
			{"id": 2, "title": "no board", "status": "Done"},
			{"id": 3, "title": "other", "status": "Done", "board_id": "b2"},
		})
	})

	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	tasks := h.tasks.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %#v", tasks)
	}
	for _, task := range tasks {
		if task.BoardID != "b1" {
			t.Fatalf("task %s has board %q", task.ID, task.BoardID)
		}
	}
	if tasks[0].ID != "1" || tasks[1].ID != "2" {
		t.Fatalf("fetch order not preserved: %#v", tasks)
	}
	if got := h.fake.Requests()[0].Query; got != "board_id=b1" {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestLoadFailureKeepsPreviousCollection(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(domain.Task{Title: "kept", Status: domain.StatusDone, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := h.tasks.Snapshot()

	h.fake.Fail("GET /api/tasks/", http.StatusInternalServerError, "boom")
	err := h.tasks.Load(context.Background(), "b1")
	if !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	after := h.tasks.Snapshot()
	if after.Version != before.Version || len(after.Tasks) != 1 || after.Tasks[0].Title != "kept" {
		t.Fatalf("failed load changed the store: %#v", after)
	}
}

func TestCreateWithBlankTitleMakesNoRequest(t *testing.T) {
	h := newHarness(t)
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := h.tasks.Create(context.Background(), domain.TaskDraft{Title: "   "})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	if n := h.fake.Calls("POST /api/tasks/"); n != 0 {
		t.Fatalf("expected no network call, got %d", n)
	}
}

func TestCreateWithoutOpenBoardIsValidationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.tasks.Create(context.Background(), domain.TaskDraft{Title: "x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.fake.Calls("") != 0 {
		t.Fatalf("expected no network call")
	}
}

func TestCreateAppendsServerTask(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(domain.Task{Title: "first", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	created, err := h.tasks.Create(context.Background(), domain.TaskDraft{Title: " second "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Title != "second" || created.Status != domain.StatusNotStarted || created.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected created task %#v", created)
	}

	tasks := h.tasks.Tasks()
	if len(tasks) != 2 || tasks[1].ID != created.ID {
		t.Fatalf("created task not appended: %#v", tasks)
	}
}

func TestCreateFailureLeavesStoreUnchanged(t *testing.T) {
	h := newHarness(t)
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.fake.Fail("POST /api/tasks/", http.StatusInternalServerError, "database unavailable")
	before := h.tasks.Snapshot()

	_, err := h.tasks.Create(context.Background(), domain.TaskDraft{Title: "x"})
	var fe *domain.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 fetch error, got %v", err)
	}
	after := h.tasks.Snapshot()
	if len(after.Tasks) != 0 || after.Version != before.Version {
		t.Fatalf("store changed after failed create: %#v", after)
	}
}

func TestPatchReplacesTaskWithServerResponse(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "Write tests", Status: domain.StatusNotStarted, Priority: domain.PriorityHigh, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	updated, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusWorkingOnIt))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.Status != domain.StatusWorkingOnIt || updated.Title != "Write tests" {
		t.Fatalf("unexpected patched task %#v", updated)
	}
	got, err := h.tasks.Get(seeded.ID)
	if err != nil || got.Status != domain.StatusWorkingOnIt {
		t.Fatalf("store not updated: %#v %v", got, err)
	}
	body := h.fake.LastBody("PATCH /api/tasks/" + seeded.ID)
	if len(body) != 1 || body["status"] != "Working on It" {
		t.Fatalf("expected only status in body, got %#v", body)
	}
}

func TestPatchBackfillsIdentityFields(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.fake.Handle("PATCH /api/tasks/"+seeded.ID, func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, map[string]any{"title": "t", "status": "Done"})
	})

	updated, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.ID != seeded.ID || updated.BoardID != "b1" {
		t.Fatalf("identity not back-filled: %#v", updated)
	}
}

func TestPatchKeepsServerVersionOverRequest(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "draft", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.fake.Handle("PATCH /api/tasks/"+seeded.ID, func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, map[string]any{"id": seeded.ID, "board_id": "b1", "title": "Draft", "status": "Not Started"})
	})

	updated, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.Status != domain.StatusNotStarted || updated.Title != "Draft" {
		t.Fatalf("local edit leaked past the server response: %#v", updated)
	}
	got, _ := h.tasks.Get(seeded.ID)
	if got.Status != domain.StatusNotStarted || got.Title != "Draft" {
		t.Fatalf("store diverged from server: %#v", got)
	}
}

func TestPatchFailureLeavesTaskUntouched(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.fake.Fail("PATCH /api/tasks/"+seeded.ID, http.StatusInternalServerError, "nope")

	_, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
	if !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	got, _ := h.tasks.Get(seeded.ID)
	if got.Status != domain.StatusNotStarted {
		t.Fatalf("task changed after failed patch: %#v", got)
	}
	if h.tasks.Snapshot().IsPending(seeded.ID) {
		t.Fatalf("task still pending after failure")
	}
}

func TestPatchMarksTaskPendingUntilResponse(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	arrived, release := block(h.fake, "PATCH /api/tasks/"+seeded.ID, func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, map[string]any{"id": seeded.ID, "title": "t", "status": "Done", "board_id": "b1"})
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
		done <- err
	}()
	waitFor(t, arrived)

	snap := h.tasks.Snapshot()
	if !snap.IsPending(seeded.ID) {
		t.Fatalf("expected task to be pending during the request")
	}
	if snap.Tasks[0].Status != domain.StatusNotStarted {
		t.Fatalf("store updated before the server confirmed: %#v", snap.Tasks[0])
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("patch: %v", err)
	}
	snap = h.tasks.Snapshot()
	if snap.IsPending(seeded.ID) || snap.Tasks[0].Status != domain.StatusDone {
		t.Fatalf("unexpected snapshot after response: %#v", snap)
	}
}

func TestPatchUnknownTaskIsNotFound(t *testing.T) {
	h := newHarness(t)
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := h.tasks.Patch(context.Background(), "missing", domain.StatusPatch(domain.StatusDone))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if h.fake.Calls("PATCH /api/tasks/missing") != 0 {
		t.Fatalf("expected no network call")
	}
}

func TestPatchWithoutChangesSkipsRequest(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusDone, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
	if err != nil || got.Status != domain.StatusDone {
		t.Fatalf("unexpected result %#v %v", got, err)
	}
	if h.fake.Calls("PATCH /api/tasks/"+seeded.ID) != 0 {
		t.Fatalf("expected no request for an unchanged patch")
	}
}

func TestRemoveDeletesOnlyOnSuccess(t *testing.T) {
	h := newHarness(t)
	a := h.fake.AddTask(domain.Task{Title: "a", Status: domain.StatusDone, BoardID: "b1"})
	b := h.fake.AddTask(domain.Task{Title: "b", Status: domain.StatusDone, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	h.fake.Fail("DELETE /api/tasks/"+a.ID, http.StatusForbidden, "not yours")
	if err := h.tasks.Remove(context.Background(), a.ID); !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, err := h.tasks.Get(a.ID); err != nil {
		t.Fatalf("task removed despite failure: %v", err)
	}

	if err := h.tasks.Remove(context.Background(), b.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.tasks.Get(b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected task to be gone, got %v", err)
	}
	if len(h.tasks.Tasks()) != 1 {
		t.Fatalf("unexpected tasks %#v", h.tasks.Tasks())
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	arrived, release := block(h.fake, "PATCH /api/tasks/"+seeded.ID, func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, map[string]any{"id": seeded.ID, "title": "t", "status": "Done", "board_id": "b1"})
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.tasks.Patch(context.Background(), seeded.ID, domain.StatusPatch(domain.StatusDone))
		done <- err
	}()
	waitFor(t, arrived)
	h.tasks.Close()
	release()

	if err := <-done; !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	got, _ := h.tasks.Get(seeded.ID)
	if got.Status != domain.StatusNotStarted {
		t.Fatalf("result applied after close: %#v", got)
	}
	if err := h.tasks.Load(context.Background(), "b1"); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected closed store to refuse loads, got %v", err)
	}
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(domain.Task{Title: "one", Status: domain.StatusDone, BoardID: "b1"})
	h.fake.AddTask(domain.Task{Title: "two", Status: domain.StatusDone, BoardID: "b2"})

	arrived, release := block(h.fake, "GET /api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, []map[string]any{{"id": "old", "title": "stale", "board_id": "b1"}})
	})
	done := make(chan error, 1)
	go func() { done <- h.tasks.Load(context.Background(), "b1") }()
	waitFor(t, arrived)

	h.fake.Reset("GET /api/tasks/")
	if err := h.tasks.Load(context.Background(), "b2"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	release()

	if err := <-done; !errors.Is(err, ErrDetached) {
		t.Fatalf("expected stale load to be discarded, got %v", err)
	}
	snap := h.tasks.Snapshot()
	if snap.BoardID != "b2" || len(snap.Tasks) != 1 || snap.Tasks[0].Title != "two" {
		t.Fatalf("stale load overwrote newer data: %#v", snap)
	}
}

func TestBoardSwitchDiscardsMutationForOldBoard(t *testing.T) {
	h := newHarness(t)
	seeded := h.fake.AddTask(domain.Task{Title: "t", Status: domain.StatusNotStarted, BoardID: "b1"})
	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	arrived, release := block(h.fake, "DELETE /api/tasks/"+seeded.ID, func(w http.ResponseWriter, r *http.Request) {
		fakeplanner.WriteJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	})
	done := make(chan error, 1)
	go func() { done <- h.tasks.Remove(context.Background(), seeded.ID) }()
	waitFor(t, arrived)

	if err := h.tasks.Load(context.Background(), "b2"); err != nil {
		t.Fatalf("switch board: %v", err)
	}
	release()
	if err := <-done; !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	if snap := h.tasks.Snapshot(); snap.BoardID != "b2" || len(snap.Pending) != 0 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}

func TestSubscribersWakeOnChange(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.tasks.Subscribe()
	defer cancel()

	if err := h.tasks.Load(context.Background(), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after load")
	}
	if h.tasks.Version() == 0 {
		t.Fatalf("version not bumped")
	}
}
