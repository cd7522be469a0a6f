package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

type fakeController struct {
	state    string
	startErr error
	outcome  session.CommitOutcome
	commits  int
	g        *gallery.Gallery
}

func (f *fakeController) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.state = "running"
	return nil
}

func (f *fakeController) Stop() { f.state = "idle" }

func (f *fakeController) Commit(context.Context) <-chan session.CommitOutcome {
	f.commits++
	ch := make(chan session.CommitOutcome, 1)
	ch <- f.outcome
	close(ch)
	return ch
}

func (f *fakeController) Status() session.Status {
	return session.Status{ID: "s1", State: f.state, Pending: []string{}}
}

func (f *fakeController) Gallery() *gallery.Gallery { return f.g }

type fakeLister struct {
	records []store.Record
	err     error
	asked   time.Time
}

func (f *fakeLister) List(_ context.Context, date time.Time) ([]store.Record, error) {
	f.asked = date
	return f.records, f.err
}

func newTestServer(t *testing.T) (*Server, *fakeController, *fakeLister) {
	t.Helper()
	g, err := gallery.New(
		gallery.KnownFace{ID: "A", Vec: types.Embedding{1}},
		gallery.KnownFace{ID: "B", Vec: types.Embedding{2}},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := &fakeController{state: "idle", g: g}
	lister := &fakeLister{}
	s := New(":0", ctrl, lister, logging.Discard())
	s.now = func() time.Time { return time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC) }
	return s, ctrl, lister
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestStartStop(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodPost, "/api/v1/session/start")
	if rec.Code != http.StatusOK || body["state"] != "running" {
		t.Errorf("start = %d %v", rec.Code, body)
	}

	rec, body = do(t, s, http.MethodPost, "/api/v1/session/stop")
	if rec.Code != http.StatusOK || body["state"] != "idle" {
		t.Errorf("stop = %d %v", rec.Code, body)
	}
	if ctrl.state != "idle" {
		t.Error("controller was not stopped")
	}
}

func TestStart_DeviceFailure(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.startErr = errors.New("can not open device /dev/video9")

	rec, body := do(t, s, http.MethodPost, "/api/v1/session/start")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestStart_WrongMethod(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodGet, "/api/v1/session/start")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCommit(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.outcome = session.CommitOutcome{
		IDs: []string{"A", "B"},
		Result: &store.CommitResult{
			Updated: []string{"A"},
			Failed:  []string{"B"},
			Errors:  map[string]error{"B": errors.New("check violation")},
		},
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session/commit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp commitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp.Updated, []string{"A"}) || !reflect.DeepEqual(resp.Failed, []string{"B"}) {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Errors["B"] != "check violation" {
		t.Errorf("errors = %v", resp.Errors)
	}
}

func TestCommit_Empty(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodPost, "/api/v1/session/commit")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ids, ok := body["ids"].([]any); !ok || len(ids) != 0 {
		t.Errorf("expected an empty ids array, got %v", body["ids"])
	}
}

func TestCommit_BatchFailure(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.outcome = session.CommitOutcome{IDs: []string{"A"}, Err: &store.BatchError{Err: errors.New("connection refused")}}

	rec, _ := do(t, s, http.MethodPost, "/api/v1/session/commit")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestCommit_Async(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodPost, "/api/v1/session/commit?async=true")
	if rec.Code != http.StatusAccepted || body["status"] != "committing" {
		t.Errorf("async commit = %d %v", rec.Code, body)
	}
	if ctrl.commits != 1 {
		t.Errorf("commit triggered %d times", ctrl.commits)
	}
}

func TestGallery(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/v1/gallery")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestAttendance(t *testing.T) {
	s, _, lister := newTestServer(t)
	lister.records = []store.Record{{StudentID: "A", Date: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), Status: 1}}

	rec, body := do(t, s, http.MethodGet, "/api/v1/attendance?date=2024-09-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["date"] != "2024-09-01" {
		t.Errorf("date = %v", body["date"])
	}
	if recs, _ := body["records"].([]any); len(recs) != 1 {
		t.Errorf("records = %v", body["records"])
	}
	if lister.asked.Day() != 1 {
		t.Errorf("store asked for %v", lister.asked)
	}
}

func TestAttendance_DefaultsToToday(t *testing.T) {
	s, _, lister := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/v1/attendance")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["date"] != "2024-09-02" || lister.asked.Day() != 2 {
		t.Errorf("date = %v, asked %v", body["date"], lister.asked)
	}
	if recs, ok := body["records"].([]any); !ok || len(recs) != 0 {
		t.Errorf("expected an empty records array, got %v", body["records"])
	}
}

func TestAttendance_BadDate(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodGet, "/api/v1/attendance?date=02/09/2024")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAttendance_StoreFailure(t *testing.T) {
	s, _, lister := newTestServer(t)
	lister.err = errors.New("connection refused")
	rec, _ := do(t, s, http.MethodGet, "/api/v1/attendance")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
