// Package presence implements the ephemeral activity engine: who is
// typing, editing, or moving a cursor right now, scoped per session and
// bounded by time rather than by explicit close events.
package presence

import "time"

type Action string

const (
	ActionTyping    Action = "typing"
	ActionEditing   Action = "editing"
	ActionCursor    Action = "cursor"
	ActionSelection Action = "selection"
)

func (a Action) Valid() bool {
	switch a {
	case ActionTyping, ActionEditing, ActionCursor, ActionSelection:
		return true
	default:
		return false
	}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Range is a character-offset selection within a task's text.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Record is one ephemeral presence fact. Position is set only for cursor
// records and Selection only for selection records; the Service
// constructors are the sole writers and keep those pairings valid.
type Record struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId,omitempty"`
	Username  string     `json:"username"`
	Action    Action     `json:"action"`
	TargetID  string     `json:"targetId,omitempty"`
	GroupID   string     `json:"groupId,omitempty"`
	Position  *Position  `json:"position,omitempty"`
	Selection *Range     `json:"selection,omitempty"`
	Color     string     `json:"color,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Key is the dedup key: one record per (session, action), except that a
// session may hold one selection per task.
type Key struct {
	SessionID string
	Action    Action
	TargetID  string
}

func (r Record) Key() Key {
	key := Key{SessionID: r.SessionID, Action: r.Action}
	if r.Action == ActionSelection {
		key.TargetID = r.TargetID
	}
	return key
}
