package types

import (
	"time"
)

// SenderType identifies who authored a timeline entry.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderBot    SenderType = "bot"
	SenderSystem SenderType = "system"
)

// BotActivity is the transient state of a bot within a room.
type BotActivity string

const (
	BotIdle       BotActivity = "idle"
	BotThinking   BotActivity = "thinking"
	BotResponding BotActivity = "responding"
)

// ToolCallStatus is the tri-state completion status of a tool call.
type ToolCallStatus int

const (
	ToolCallPending ToolCallStatus = iota
	ToolCallSucceeded
	ToolCallFailed
)

type RoomMessage struct {
	Id         string         `json:"id"`
	SenderType SenderType     `json:"sender_type"`
	SenderId   string         `json:"sender_id"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	Reactions  []Reaction     `json:"reactions,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ToolCall struct {
	Id        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Result    string         `json:"result,omitempty"`
	Status    ToolCallStatus `json:"status"`
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIds []string `json:"user_ids"`
}

// RoomTransient is the "happening right now" state of a room. It is not
// part of durable history and is cleared independently of the timeline.
type RoomTransient struct {
	OnlineUsers map[string]struct{}
	TypingUsers map[string]struct{}
	BotActivity map[string]BotActivity
	BotStatus   map[string]string
	Thinking    map[string]string
	ToolDeltas  map[string]string
	ChainStep   int
	ChainTotal  int
	Route       string
	// SuggestedName is the room title proposed by the name
	// generation endpoint, pending user confirmation.
	SuggestedName string
	Consensus     *ConsensusProgress
	Interview     *InterviewProgress
}

type ConsensusProgress struct {
	Collected int    `json:"collected"`
	Expected  int    `json:"expected"`
	Stage     string `json:"stage,omitempty"`
}

type InterviewProgress struct {
	Question string `json:"question"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
}

// NewRoomTransient returns an empty transient state with all maps allocated.
func NewRoomTransient() *RoomTransient {
	return &RoomTransient{
		OnlineUsers: make(map[string]struct{}),
		TypingUsers: make(map[string]struct{}),
		BotActivity: make(map[string]BotActivity),
		BotStatus:   make(map[string]string),
		Thinking:    make(map[string]string),
		ToolDeltas:  make(map[string]string),
	}
}
