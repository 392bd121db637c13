package hostbridge

import (
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

// Message types exchanged with the host client.
const (
	TypeHello      = "hello"
	TypeTick       = "tick"
	TypeLine       = "line"
	TypeRejected   = "rejected"
	TypeJoin       = "join"
	TypeDisconnect = "disconnect"
	TypeToggle     = "toggle"
	TypeAction     = "action"

	TypeCommand = "command"
	TypeHUD     = "hud"
)

// Actions the host forwards from its chat commands.
const (
	ActionSearch    = "search"
	ActionWhitelist = "whitelist"
	ActionDebug     = "debug"
	ActionRefresh   = "refresh"
	ActionCache     = "cache"
	ActionStart     = "start"
	ActionStop      = "stop"
)

// Message is one JSON frame on the host websocket. Only the fields relevant
// to Type are set.
type Message struct {
	Type string `json:"type"`

	OperatorName string `json:"operatorName,omitempty"`
	OperatorUUID string `json:"operatorUuid,omitempty"`

	Ready     bool   `json:"ready,omitempty"`
	CellX     int    `json:"cellX,omitempty"`
	CellZ     int    `json:"cellZ,omitempty"`
	PosX      int    `json:"posX,omitempty"`
	PosZ      int    `json:"posZ,omitempty"`
	Dimension string `json:"dimension,omitempty"`

	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	Name   string `json:"name,omitempty"`
	Arg    string `json:"arg,omitempty"`
}

func (m Message) TickInput() scheduler.TickInput {
	return scheduler.TickInput{
		Ready:     m.Ready,
		Cell:      scheduler.Cell{X: m.CellX, Z: m.CellZ},
		Position:  collector.Coords{X: m.PosX, Z: m.PosZ},
		Dimension: m.Dimension,
	}
}
