package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nekomoe/bilirec/biliapi"
	"github.com/nekomoe/bilirec/config"
	"github.com/nekomoe/bilirec/convert"
	dbpkg "github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/disk"
	"github.com/nekomoe/bilirec/room"
)

// RoomService is the slice of the room manager the handlers use.
type RoomService interface {
	Add(ctx context.Context, id int64) (*room.State, error)
	Remove(id int64) error
	Refresh(id int64) error
	Rooms() []room.Snapshot
	Count() int
}

// TaskService is the slice of the conversion registry the handlers use.
type TaskService interface {
	SubmitConvert(input, output string, opts convert.Options) (*convert.Task, error)
	SubmitSplit(input, output string, start, duration time.Duration) (*convert.Task, error)
	Tasks() []convert.Snapshot
	Get(id string) (*convert.Task, error)
	Stop(id string) error
	Remove(id string) error
	Active() int
}

// CredentialService applies or revokes an API credential; satisfied by
// *biliapi.Client.
type CredentialService interface {
	Apply(ctx context.Context, cred string) (string, bool)
	Logout(ctx context.Context) string
}

// DiskService reports the record volume's current usage.
type DiskService interface {
	Snapshot() disk.Status
}

// Handlers bundles the services behind the HTTP endpoints.
type Handlers struct {
	deps   Deps
	policy func() config.Config
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	policy := deps.Policy
	if policy == nil {
		policy = func() config.Config { return config.Config{TargetExt: "mp4"} }
	}
	return &Handlers{deps: deps, policy: policy}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports readiness: the database must answer when configured.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready", "failed_check": "database", "error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus summarizes rooms, tasks and the record volume.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rooms := h.deps.Rooms.Rooms()
	recording := 0
	for _, s := range rooms {
		if s.Recording {
			recording++
		}
	}
	var du disk.Status
	if h.deps.Disk != nil {
		du = h.deps.Disk.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":        len(rooms),
		"recording":    recording,
		"active_tasks": h.deps.Tasks.Active(),
		"disk":         du,
	})
}

// HandleRooms lists rooms (GET) or adds one (POST).
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Rooms.Rooms())
	case http.MethodPost:
		var req struct {
			RoomID int64 `json:"room_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID <= 0 {
			writeError(w, http.StatusBadRequest, "room_id required")
			return
		}
		st, err := h.deps.Rooms.Add(r.Context(), req.RoomID)
		switch {
		case errors.Is(err, room.ErrConflict):
			writeError(w, http.StatusConflict, "room already monitored")
		case errors.Is(err, biliapi.ErrNotFound):
			writeError(w, http.StatusNotFound, "room does not exist")
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeJSON(w, http.StatusCreated, st.Snapshot())
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleRoomsDispatcher routes /rooms/{id} and /rooms/{id}/refresh.
func (h *Handlers) HandleRoomsDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := trimPathPrefix(r.URL.Path, "/rooms/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := h.deps.Rooms.Remove(id); err != nil {
			writeError(w, http.StatusNotFound, "room not monitored")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		if err := h.deps.Rooms.Refresh(id); err != nil {
			writeError(w, http.StatusNotFound, "room not monitored")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HandleTasks lists conversion tasks.
func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Tasks.Tasks())
}

// HandleTaskConvert submits a manual conversion. Policy flags default to the
// configured values and may be overridden per request.
func (h *Handlers) HandleTaskConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := h.policy()
	req := struct {
		Input         string `json:"input"`
		Output        string `json:"output"`
		DeleteAfter   *bool  `json:"delete_after"`
		DeleteToTrash *bool  `json:"delete_to_trash"`
		FixTimestamp  *bool  `json:"fix_timestamp"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		writeError(w, http.StatusBadRequest, "input required")
		return
	}
	if req.Output == "" {
		req.Output = convert.ReplaceExt(req.Input, cfg.TargetExt)
	}
	opts := convert.Options{
		DeleteAfter:   cfg.DeleteAfterConvert,
		DeleteToTrash: cfg.DeleteToTrash,
		FixTimestamp:  cfg.FixTimestamp,
	}
	if req.DeleteAfter != nil {
		opts.DeleteAfter = *req.DeleteAfter
	}
	if req.DeleteToTrash != nil {
		opts.DeleteToTrash = *req.DeleteToTrash
	}
	if req.FixTimestamp != nil {
		opts.FixTimestamp = *req.FixTimestamp
	}
	task, err := h.deps.Tasks.SubmitConvert(req.Input, req.Output, opts)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task.Snapshot())
}

// HandleTaskSplit submits a clip extraction.
func (h *Handlers) HandleTaskSplit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req := struct {
		Input           string  `json:"input"`
		Output          string  `json:"output"`
		StartSeconds    float64 `json:"start_seconds"`
		DurationSeconds float64 `json:"duration_seconds"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, "input and output required")
		return
	}
	if req.StartSeconds < 0 || req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "negative clip window")
		return
	}
	task, err := h.deps.Tasks.SubmitSplit(req.Input, req.Output,
		time.Duration(req.StartSeconds*float64(time.Second)),
		time.Duration(req.DurationSeconds*float64(time.Second)))
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task.Snapshot())
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, convert.ErrOutputBusy), errors.Is(err, convert.ErrInputBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// HandleTasksDispatcher routes /tasks/{id} and /tasks/{id}/cancel.
func (h *Handlers) HandleTasksDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := trimPathPrefix(r.URL.Path, "/tasks/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		task, err := h.deps.Tasks.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, task.Snapshot())
	case len(parts) == 1 && r.Method == http.MethodDelete:
		err := h.deps.Tasks.Remove(id)
		switch {
		case errors.Is(err, convert.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, convert.ErrTaskActive):
			writeError(w, http.StatusConflict, "task still active, cancel it first")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := h.deps.Tasks.Stop(id); err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HandleCredential sets (POST) or clears (DELETE) the API credential. The
// response carries the login status line the credential check produced.
func (h *Handlers) HandleCredential(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Credential string `json:"credential"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
			writeError(w, http.StatusBadRequest, "credential required")
			return
		}
		status, ok := h.deps.Cred.Apply(r.Context(), req.Credential)
		if !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": status, "applied": false})
			return
		}
		if h.deps.DB != nil {
			if err := dbpkg.SetCredential(r.Context(), h.deps.DB, req.Credential); err != nil {
				slog.Error("persist credential", slog.Any("err", err))
				writeError(w, http.StatusInternalServerError, "credential applied but not persisted")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "applied": true})
	case http.MethodDelete:
		status := h.deps.Cred.Logout(r.Context())
		if h.deps.DB != nil {
			if err := dbpkg.ClearCredential(r.Context(), h.deps.DB); err != nil {
				slog.Error("clear credential", slog.Any("err", err))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "applied": false})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
