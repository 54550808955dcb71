// Package realtime is the websocket transport for the reactive layer:
// clients subscribe to named queries and receive the full fresh result
// set whenever a relevant change happens.
package realtime

import (
	"cotask/api/internal/app"
	"cotask/api/internal/presence"
)

const (
	TypeWelcome     = "welcome"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypeCursor      = "cursor"
	TypeSelection   = "selection"
	TypeClear       = "clear"
	TypeData        = "data"
	TypeError       = "error"
)

// Frame is every client-to-server message. Which fields matter depends
// on Type: subscribe/unsubscribe use Name and Params, the activity
// mutations mirror the HTTP bodies.
type Frame struct {
	Type   string            `json:"type"`
	Name   string            `json:"name,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	Username  string             `json:"username,omitempty"`
	Action    string             `json:"action,omitempty"`
	TargetID  string             `json:"targetId,omitempty"`
	GroupID   string             `json:"groupId,omitempty"`
	TaskID    string             `json:"taskId,omitempty"`
	Position  *presence.Position `json:"position,omitempty"`
	Selection *presence.Range    `json:"selection,omitempty"`
}

type WelcomeFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

// DataFrame carries one subscription's complete current result set.
// Payload replaces whatever the client held for this subscription; there
// are no diffs on the wire.
type DataFrame struct {
	Type    string            `json:"type"`
	Name    string            `json:"name"`
	Params  map[string]string `json:"params,omitempty"`
	Payload any               `json:"payload"`
}

type ErrorFrame struct {
	Type   string            `json:"type"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Name   string            `json:"name,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

func dataFrame(sub app.Subscription, payload any) DataFrame {
	return DataFrame{Type: TypeData, Name: sub.Name, Params: sub.Params, Payload: payload}
}
