// Package room implements the per-room monitoring state machine: one State
// per monitored live room, a polling Monitor that detects live/offline
// transitions, and a Recorder that captures an active broadcast to disk.
package room

import (
	"sync"
	"time"
)

// Trigger records why a status check happened. It only affects logging; the
// check logic is identical regardless of source.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerManual
	TriggerStartup
)

func (t Trigger) String() string {
	switch t {
	case TriggerTimer:
		return "timer"
	case TriggerManual:
		return "manual"
	case TriggerStartup:
		return "startup"
	default:
		return "unknown"
	}
}

// State is the canonical identity and mutable status of one monitored room.
// Events reference it by pointer so consumers compare identity, not copies.
type State struct {
	RoomID  int64
	ShortID int64

	// mu serializes the state-mutating section of Check: two concurrent
	// checks for the same room must observe each other's transitions.
	mu          sync.Mutex
	userName    string
	title       string
	isLive      bool
	lastChecked time.Time
}

// NewState creates a room State with initial metadata.
func NewState(roomID, shortID int64, userName, title string) *State {
	return &State{RoomID: roomID, ShortID: shortID, userName: userName, title: title}
}

func (s *State) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

func (s *State) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *State) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLive
}

func (s *State) LastChecked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChecked
}

// Snapshot is a copy of a room's fields for API responses.
type Snapshot struct {
	RoomID      int64     `json:"room_id"`
	ShortID     int64     `json:"short_id"`
	UserName    string    `json:"user_name"`
	Title       string    `json:"title"`
	IsLive      bool      `json:"is_live"`
	Recording   bool      `json:"recording"`
	LastChecked time.Time `json:"last_checked"`
}

// Snapshot copies the current field values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RoomID:      s.RoomID,
		ShortID:     s.ShortID,
		UserName:    s.userName,
		Title:       s.title,
		IsLive:      s.isLive,
		LastChecked: s.lastChecked,
	}
}
