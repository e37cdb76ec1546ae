package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nekomoe/bilirec/biliapi"
	"github.com/nekomoe/bilirec/config"
	"github.com/nekomoe/bilirec/convert"
	"github.com/nekomoe/bilirec/disk"
	"github.com/nekomoe/bilirec/room"
	"github.com/nekomoe/bilirec/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeRooms struct {
	states  map[int64]*room.State
	addErr  error
	removed []int64
	poked   []int64
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{states: make(map[int64]*room.State)}
}

func (f *fakeRooms) Add(ctx context.Context, id int64) (*room.State, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	if _, ok := f.states[id]; ok {
		return nil, room.ErrConflict
	}
	st := room.NewState(id, 0, "streamer", "hello")
	f.states[id] = st
	return st, nil
}

func (f *fakeRooms) Remove(id int64) error {
	if _, ok := f.states[id]; !ok {
		return room.ErrNotManaged
	}
	delete(f.states, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRooms) Refresh(id int64) error {
	if _, ok := f.states[id]; !ok {
		return room.ErrNotManaged
	}
	f.poked = append(f.poked, id)
	return nil
}

func (f *fakeRooms) Rooms() []room.Snapshot {
	out := make([]room.Snapshot, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st.Snapshot())
	}
	return out
}

func (f *fakeRooms) Count() int { return len(f.states) }

type fakeCred struct {
	status string
	ok     bool
	got    string
}

func (f *fakeCred) Apply(ctx context.Context, cred string) (string, bool) {
	f.got = cred
	return f.status, f.ok
}

func (f *fakeCred) Logout(ctx context.Context) string {
	f.got = ""
	return "logged out"
}

type fakeDisk struct{ st disk.Status }

func (f fakeDisk) Snapshot() disk.Status { return f.st }

type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, args []string, onProgress func(time.Duration)) error {
	if err := os.WriteFile(args[len(args)-1], []byte("x"), 0o644); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func testDeps(t *testing.T) (Deps, *fakeRooms, *convert.Registry) {
	t.Helper()
	rooms := newFakeRooms()
	reg := convert.NewRegistry(blockingRunner{})
	deps := Deps{
		Rooms: rooms,
		Tasks: reg,
		Cred:  &fakeCred{status: "logged in", ok: true},
		Disk:  fakeDisk{st: disk.Report(500, 1000)},
		Policy: func() config.Config {
			return config.Config{TargetExt: "mp4", DeleteAfterConvert: false}
		},
	}
	return deps, rooms, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	deps, _, _ := testDeps(t)
	h := NewMux(deps)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("missing correlation id header")
	}
}

func TestRoomLifecycle(t *testing.T) {
	deps, rooms, _ := testDeps(t)
	h := NewMux(deps)

	rec := doJSON(t, h, http.MethodPost, "/rooms", map[string]any{"room_id": 42})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: code = %d body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/rooms", map[string]any{"room_id": 42})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add: code = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/rooms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: code = %d", rec.Code)
	}
	var list []room.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list body %s err %v", rec.Body, err)
	}

	rec = doJSON(t, h, http.MethodPost, "/rooms/42/refresh", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("refresh: code = %d", rec.Code)
	}
	if len(rooms.poked) != 1 || rooms.poked[0] != 42 {
		t.Fatalf("poked = %v", rooms.poked)
	}

	rec = doJSON(t, h, http.MethodDelete, "/rooms/42", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: code = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/rooms/42", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: code = %d", rec.Code)
	}
}

func TestAddUnknownRoom(t *testing.T) {
	deps, rooms, _ := testDeps(t)
	rooms.addErr = fmt.Errorf("room lookup: %w", biliapi.ErrNotFound)
	h := NewMux(deps)
	rec := doJSON(t, h, http.MethodPost, "/rooms", map[string]any{"room_id": 9999})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAddBadRequest(t *testing.T) {
	deps, _, _ := testDeps(t)
	h := NewMux(deps)
	rec := doJSON(t, h, http.MethodPost, "/rooms", map[string]any{"room_id": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	deps, _, reg := testDeps(t)
	h := NewMux(deps)

	dir := t.TempDir()
	in := filepath.Join(dir, "rec.flv")
	if err := os.WriteFile(in, []byte("flvdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Output defaults to the input with the configured extension.
	rec := doJSON(t, h, http.MethodPost, "/tasks/convert", map[string]any{"input": in})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: code = %d body = %s", rec.Code, rec.Body)
	}
	var snap convert.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "rec.mp4"); snap.Output != want {
		t.Fatalf("output = %s, want %s", snap.Output, want)
	}

	// Same output path while the first task is active is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/tasks/convert", map[string]any{"input": in})
	if rec.Code != http.StatusConflict {
		t.Fatalf("colliding submit: code = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/tasks/"+snap.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: code = %d", rec.Code)
	}

	// Active tasks cannot be removed, only cancelled.
	rec = doJSON(t, h, http.MethodDelete, "/tasks/"+snap.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("remove active: code = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/tasks/"+snap.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: code = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/tasks/"+snap.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove: code = %d", rec.Code)
	}
	if len(reg.Tasks()) != 0 {
		t.Fatal("task still listed")
	}
}

func TestTaskSplitValidation(t *testing.T) {
	deps, _, _ := testDeps(t)
	h := NewMux(deps)

	rec := doJSON(t, h, http.MethodPost, "/tasks/split", map[string]any{"input": "/in.flv"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing output: code = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/tasks/split",
		map[string]any{"input": "/in.flv", "output": "/out.mp4", "start_seconds": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative start: code = %d", rec.Code)
	}
}

func TestCredential(t *testing.T) {
	deps, _, _ := testDeps(t)
	cred := deps.Cred.(*fakeCred)
	h := NewMux(deps)

	rec := doJSON(t, h, http.MethodPost, "/credential", map[string]any{"credential": "abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
	if cred.got != "abc" {
		t.Fatalf("applied credential %q", cred.got)
	}

	cred.ok = false
	cred.status = "login failed: access token format invalid"
	rec = doJSON(t, h, http.MethodPost, "/credential", map[string]any{"credential": "bad"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("rejected credential: code = %d", rec.Code)
	}

	cred.ok = true
	rec = doJSON(t, h, http.MethodDelete, "/credential", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: code = %d", rec.Code)
	}
	if cred.got != "" {
		t.Fatalf("logout applied %q", cred.got)
	}
}

func TestStatus(t *testing.T) {
	deps, rooms, _ := testDeps(t)
	if _, err := rooms.Add(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	h := NewMux(deps)

	rec := doJSON(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Rooms       int         `json:"rooms"`
		ActiveTasks int         `json:"active_tasks"`
		Disk        disk.Status `json:"disk"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Rooms != 1 {
		t.Fatalf("rooms = %d", body.Rooms)
	}
	if body.Disk.UsedPercent != 50 {
		t.Fatalf("disk used = %v", body.Disk.UsedPercent)
	}
}

func TestAdminAuthProtectsMutations(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	deps, _, _ := testDeps(t)
	h := NewMux(deps)

	rec := doJSON(t, h, http.MethodPost, "/rooms", map[string]any{"room_id": 42})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: code = %d", rec.Code)
	}

	// Reads stay open.
	rec = doJSON(t, h, http.MethodGet, "/rooms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: code = %d", rec.Code)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{"room_id": 42})
	req := httptest.NewRequest(http.MethodPost, "/rooms", &buf)
	req.Header.Set("X-Admin-Token", "sekrit")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("authenticated: code = %d", w.Code)
	}
}
