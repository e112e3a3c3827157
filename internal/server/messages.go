package server

import (
	"blockbattle/internal/battle"
)

// ClientMessage is one JSON frame from the game client.
type ClientMessage struct {
	Type  string                `json:"type"` // join_queue | leave_queue | ready | state | lines_cleared | apply_garbage | game_over
	Lines int                   `json:"lines,omitempty"`
	State *battle.StateSnapshot `json:"state,omitempty"`
}

// ServerMessage is one JSON frame pushed to the game client.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	MsgMatchFound           = "match_found"
	MsgQueueTimeout         = "queue_timeout"
	MsgQueueError           = "queue_error"
	MsgCountdown            = "countdown"
	MsgBattleStart          = "battle_start"
	MsgOpponentState        = "opponent_state"
	MsgGarbage              = "garbage"
	MsgGarbageApplied       = "garbage_applied"
	MsgOpponentDisconnected = "opponent_disconnected"
	MsgOpponentReconnected  = "opponent_reconnected"
	MsgBattleResult         = "battle_result"
	MsgSettings             = "settings"
	MsgError                = "error"
)
