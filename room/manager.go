package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dbpkg "github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/event"
)

// ErrConflict is returned when an added room collides with a managed room on
// either its primary id or its short id. The managed set is left unchanged.
var ErrConflict = errors.New("room already managed")

// ErrNotManaged is returned when an operation names a room outside the set.
var ErrNotManaged = errors.New("room not managed")

// Manager owns the room collection: add/remove from request handlers is
// synchronized against the monitors that concurrently read room identity.
type Manager struct {
	api       StatusAPI
	bus       *event.Bus
	dbc       *sql.DB
	runner    CaptureRunner
	recordDir string
	interval  time.Duration

	// OnRoomAdded is invoked right before a new room's monitor starts, so
	// the orchestrator can subscribe first and miss no events. It runs
	// under the manager lock and must not call back into the manager.
	// Must be set before Add/StartFromStore.
	OnRoomAdded func(*State)

	mu      sync.Mutex
	entries map[int64]*entry // keyed by primary room id
	ctx     context.Context
}

type entry struct {
	state *State
	mon   *Monitor
}

// NewManager wires a manager. dbc may be nil in tests.
func NewManager(api StatusAPI, bus *event.Bus, dbc *sql.DB, runner CaptureRunner, recordDir string, interval time.Duration) *Manager {
	return &Manager{
		api:       api,
		bus:       bus,
		dbc:       dbc,
		runner:    runner,
		recordDir: recordDir,
		interval:  interval,
		entries:   make(map[int64]*entry),
	}
}

// Start records the root context monitors run under.
func (mgr *Manager) Start(ctx context.Context) { mgr.ctx = ctx }

// StartFromStore loads persisted rooms and starts a monitor for each. The
// first check of each uses the startup-reconcile trigger.
func (mgr *Manager) StartFromStore(ctx context.Context) error {
	mgr.Start(ctx)
	if mgr.dbc == nil {
		return nil
	}
	rows, err := dbpkg.ListRooms(ctx, mgr.dbc)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range rows {
		st := NewState(r.RoomID, r.ShortID, r.UserName, r.Title)
		if err := mgr.startMonitor(st, TriggerStartup); err != nil {
			slog.Warn("skipping stored room", slog.Int64("room_id", r.RoomID), slog.Any("err", err))
		}
	}
	slog.Info("monitors started from store", slog.Int("count", len(rows)))
	return nil
}

// startMonitor registers a state and starts its monitor. The conflict check,
// the map insert and the monitor start share one critical section, so two
// racing registrations of the same room cannot both pass the check: the
// loser gets ErrConflict and no second monitor ever exists.
func (mgr *Manager) startMonitor(st *State, first Trigger) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.conflicts(st.RoomID) || (st.ShortID != 0 && mgr.conflicts(st.ShortID)) {
		return ErrConflict
	}
	if mgr.OnRoomAdded != nil {
		mgr.OnRoomAdded(st)
	}
	mon := NewMonitor(st, mgr.api, mgr.bus, mgr.dbc, mgr.runner, mgr.recordDir, mgr.interval)
	mgr.entries[st.RoomID] = &entry{state: st, mon: mon}
	mon.Start(mgr.ctx, first)
	return nil
}

// conflicts reports whether id collides with any managed room on either
// identity field.
func (mgr *Manager) conflicts(id int64) bool {
	for _, e := range mgr.entries {
		if id == e.state.RoomID || (e.state.ShortID != 0 && id == e.state.ShortID) {
			return true
		}
	}
	return false
}

// Add resolves a room id via the API and starts monitoring it. Duplicate ids
// (by primary or short id, before and after resolution) are rejected with
// ErrConflict; an id the API cannot resolve is rejected with the API's error
// and no room is created.
func (mgr *Manager) Add(ctx context.Context, id int64) (*State, error) {
	mgr.mu.Lock()
	if mgr.conflicts(id) {
		mgr.mu.Unlock()
		return nil, ErrConflict
	}
	mgr.mu.Unlock()

	info, err := mgr.api.GetRoomInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	st := NewState(info.RoomID, info.ShortID, info.UserName, info.Title)

	if mgr.dbc != nil {
		// A concurrent Add of the same room upserts the same row, so a
		// later conflict in startMonitor leaves nothing stale behind.
		if err := dbpkg.UpsertRoom(ctx, mgr.dbc, dbpkg.RoomRow{
			RoomID: info.RoomID, ShortID: info.ShortID, UserName: info.UserName, Title: info.Title, IsLive: info.IsLive,
		}); err != nil {
			return nil, fmt.Errorf("persist room: %w", err)
		}
	}

	// The authoritative check runs on the resolved ids inside startMonitor:
	// the input may have been a short id for an already-managed room, or a
	// concurrent Add may have won the race.
	if err := mgr.startMonitor(st, TriggerManual); err != nil {
		return nil, err
	}
	slog.Info("room added", slog.Int64("room_id", info.RoomID), slog.String("user", info.UserName))
	return st, nil
}

// Remove stops a room's monitor (which cascades to its recorder), detaches
// its event subscriptions and deletes it from the managed set and store. No
// event from the room is delivered after Remove returns.
func (mgr *Manager) Remove(id int64) error {
	mgr.mu.Lock()
	var found *entry
	var key int64
	for k, e := range mgr.entries {
		if id == e.state.RoomID || (e.state.ShortID != 0 && id == e.state.ShortID) {
			found, key = e, k
			break
		}
	}
	if found == nil {
		mgr.mu.Unlock()
		return ErrNotManaged
	}
	delete(mgr.entries, key)
	mgr.mu.Unlock()

	found.mon.Stop()
	mgr.bus.Unsubscribe(found.state.RoomID)
	if mgr.dbc != nil {
		if err := dbpkg.DeleteRoom(context.Background(), mgr.dbc, found.state.RoomID); err != nil {
			slog.Warn("delete room row", slog.Int64("room_id", found.state.RoomID), slog.Any("err", err))
		}
	}
	slog.Info("room removed", slog.Int64("room_id", found.state.RoomID))
	return nil
}

// Refresh requests an immediate manual check for a room.
func (mgr *Manager) Refresh(id int64) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, e := range mgr.entries {
		if id == e.state.RoomID || (e.state.ShortID != 0 && id == e.state.ShortID) {
			e.mon.Poke(TriggerManual)
			return nil
		}
	}
	return ErrNotManaged
}

// Rooms returns snapshots of all managed rooms.
func (mgr *Manager) Rooms() []Snapshot {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]Snapshot, 0, len(mgr.entries))
	for _, e := range mgr.entries {
		snap := e.state.Snapshot()
		snap.Recording = e.mon.Recording()
		out = append(out, snap)
	}
	return out
}

// Count returns the number of managed rooms.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.entries)
}

// StopAll stops every monitor (and therefore every recorder) in parallel and
// waits for all of them.
func (mgr *Manager) StopAll() {
	mgr.mu.Lock()
	entries := make([]*entry, 0, len(mgr.entries))
	for _, e := range mgr.entries {
		entries = append(entries, e)
	}
	mgr.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			e.mon.Stop()
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("all monitors stopped", slog.Int("count", len(entries)))
}
