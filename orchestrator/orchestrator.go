// Package orchestrator consumes room events and drives the follow-up work:
// live notifications, title history, and automatic conversion of finished
// recordings.
package orchestrator

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/nekomoe/bilirec/config"
	"github.com/nekomoe/bilirec/convert"
	dbpkg "github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/event"
	"github.com/nekomoe/bilirec/room"
)

// Orchestrator wires one handler set per room onto the event bus. Policy is
// read through a provider at event time, so flag changes apply to the next
// completed recording without a restart.
type Orchestrator struct {
	bus    *event.Bus
	reg    *convert.Registry
	dbc    *sql.DB // optional
	policy func() config.Config
}

func New(bus *event.Bus, reg *convert.Registry, dbc *sql.DB, policy func() config.Config) *Orchestrator {
	return &Orchestrator{bus: bus, reg: reg, dbc: dbc, policy: policy}
}

// Attach subscribes this orchestrator to all event kinds of one room. Meant
// to be installed as the manager's room-added hook so subscription happens
// before the room's monitor emits anything.
func (o *Orchestrator) Attach(st *room.State) {
	id := st.RoomID
	o.bus.Subscribe(id, event.KindLog, func(ev event.Event) {
		slog.Info("room", slog.Int64("room_id", ev.RoomID), slog.String("msg", ev.Payload))
	})
	o.bus.Subscribe(id, event.KindNotify, func(ev event.Event) {
		o.notify(st, ev.Payload)
	})
	o.bus.Subscribe(id, event.KindTitleChanged, func(ev event.Event) {
		o.titleChanged(st, ev.Payload)
	})
	o.bus.Subscribe(id, event.KindRecordCompleted, func(ev event.Event) {
		o.recordCompleted(st, ev.Payload)
	})
}

func (o *Orchestrator) notify(st *room.State, title string) {
	slog.Info("live notification",
		slog.Int64("room_id", st.RoomID),
		slog.String("user", st.UserName()),
		slog.String("title", title))
}

func (o *Orchestrator) titleChanged(st *room.State, title string) {
	slog.Info("title changed",
		slog.Int64("room_id", st.RoomID), slog.String("title", title))
	if o.dbc == nil {
		return
	}
	if err := dbpkg.InsertTitleChange(context.Background(), o.dbc, st.RoomID, title); err != nil {
		slog.Warn("persist title change", slog.Int64("room_id", st.RoomID), slog.Any("err", err))
	}
}

// recordCompleted submits the automatic conversion for a finished recording,
// applying the policy in effect right now.
func (o *Orchestrator) recordCompleted(st *room.State, path string) {
	if _, err := os.Stat(path); err != nil {
		// Completed but gone: moved or deleted between capture and here.
		slog.Warn("completed recording not on disk, skipping conversion",
			slog.Int64("room_id", st.RoomID), slog.String("path", path), slog.Any("err", err))
		return
	}
	cfg := o.policy()
	if !cfg.EnableAutoConvert {
		slog.Debug("auto-convert disabled", slog.String("path", path))
		return
	}
	out := convert.ReplaceExt(path, cfg.TargetExt)
	task, err := o.reg.SubmitConvert(path, out, convert.Options{
		DeleteAfter:   cfg.DeleteAfterConvert,
		DeleteToTrash: cfg.DeleteToTrash,
		FixTimestamp:  cfg.FixTimestamp,
	})
	if err != nil {
		slog.Error("submit auto-convert",
			slog.Int64("room_id", st.RoomID), slog.String("path", path), slog.Any("err", err))
		return
	}
	slog.Info("auto-convert submitted",
		slog.Int64("room_id", st.RoomID), slog.String("task_id", task.ID), slog.String("output", out))
}
