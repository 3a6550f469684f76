package connection

import (
	"time"

	"github.com/teris-io/shortid"

	"github.com/jhd3197/CachiBot-sub003/internal/types"
)

// RoomEvent is one inbound frame from the room socket. Exactly one of
// the payload fields is set; Kind reports which. Events with no
// recognized payload are ignored by consumers.
type RoomEvent struct {
	RoomId    string    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`

	Message       *MessagePayload          `json:"message,omitempty"`
	MessageDelta  *MessageDeltaPayload     `json:"message_delta,omitempty"`
	MessageDone   *MessageDonePayload      `json:"message_done,omitempty"`
	MessageMeta   *MessageMetaPayload      `json:"message_meta,omitempty"`
	ThinkingDelta *ThinkingDeltaPayload    `json:"thinking_delta,omitempty"`
	BotStatus     *BotStatusPayload        `json:"bot_status,omitempty"`
	ToolStart     *ToolStartPayload        `json:"tool_start,omitempty"`
	ToolDelta     *ToolDeltaPayload        `json:"tool_delta,omitempty"`
	ToolDone      *ToolDonePayload         `json:"tool_done,omitempty"`
	Typing        *TypingPayload           `json:"typing,omitempty"`
	Presence      *PresencePayload         `json:"presence,omitempty"`
	Reaction      *ReactionPayload         `json:"reaction,omitempty"`
	ChainStep     *ChainStepPayload        `json:"chain_step,omitempty"`
	Route         *RoutePayload            `json:"route,omitempty"`
	Consensus     *types.ConsensusProgress `json:"consensus,omitempty"`
	Interview     *types.InterviewProgress `json:"interview,omitempty"`
	Cleared       *ClearedPayload          `json:"cleared,omitempty"`
}

// EventKind names the populated payload of a RoomEvent.
type EventKind string

const (
	KindMessage       EventKind = "message"
	KindMessageDelta  EventKind = "message_delta"
	KindMessageDone   EventKind = "message_done"
	KindMessageMeta   EventKind = "message_meta"
	KindThinkingDelta EventKind = "thinking_delta"
	KindBotStatus     EventKind = "bot_status"
	KindToolStart     EventKind = "tool_start"
	KindToolDelta     EventKind = "tool_delta"
	KindToolDone      EventKind = "tool_done"
	KindTyping        EventKind = "typing"
	KindPresence      EventKind = "presence"
	KindReaction      EventKind = "reaction"
	KindChainStep     EventKind = "chain_step"
	KindRoute         EventKind = "route"
	KindConsensus     EventKind = "consensus"
	KindInterview     EventKind = "interview"
	KindCleared       EventKind = "cleared"
	KindUnknown       EventKind = "unknown"
)

func (e *RoomEvent) Kind() EventKind {
	switch {
	case e.Message != nil:
		return KindMessage
	case e.MessageDelta != nil:
		return KindMessageDelta
	case e.MessageDone != nil:
		return KindMessageDone
	case e.MessageMeta != nil:
		return KindMessageMeta
	case e.ThinkingDelta != nil:
		return KindThinkingDelta
	case e.BotStatus != nil:
		return KindBotStatus
	case e.ToolStart != nil:
		return KindToolStart
	case e.ToolDelta != nil:
		return KindToolDelta
	case e.ToolDone != nil:
		return KindToolDone
	case e.Typing != nil:
		return KindTyping
	case e.Presence != nil:
		return KindPresence
	case e.Reaction != nil:
		return KindReaction
	case e.ChainStep != nil:
		return KindChainStep
	case e.Route != nil:
		return KindRoute
	case e.Consensus != nil:
		return KindConsensus
	case e.Interview != nil:
		return KindInterview
	case e.Cleared != nil:
		return KindCleared
	default:
		return KindUnknown
	}
}

type MessagePayload struct {
	Id         string           `json:"id"`
	SenderType types.SenderType `json:"sender_type"`
	SenderId   string           `json:"sender_id"`
	Content    string           `json:"content"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

type MessageDeltaPayload struct {
	MessageId string `json:"message_id"`
	SenderId  string `json:"sender_id"`
	Content   string `json:"content"`
}

type MessageDonePayload struct {
	MessageId string `json:"message_id"`
	SenderId  string `json:"sender_id"`
	Thinking  string `json:"thinking,omitempty"`
}

type MessageMetaPayload struct {
	MessageId string         `json:"message_id"`
	Metadata  map[string]any `json:"metadata"`
}

type ThinkingDeltaPayload struct {
	BotId   string `json:"bot_id"`
	Content string `json:"content"`
}

type BotStatusPayload struct {
	BotId    string            `json:"bot_id"`
	Activity types.BotActivity `json:"activity"`
	Detail   string            `json:"detail,omitempty"`
}

type ToolStartPayload struct {
	MessageId string `json:"message_id"`
	ToolId    string `json:"tool_id"`
	Name      string `json:"name,omitempty"`
}

type ToolDeltaPayload struct {
	ToolId  string `json:"tool_id"`
	Content string `json:"content"`
}

type ToolDonePayload struct {
	MessageId string `json:"message_id"`
	ToolId    string `json:"tool_id"`
	Result    string `json:"result,omitempty"`
	Success   bool   `json:"success"`
}

type TypingPayload struct {
	UserId string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type PresencePayload struct {
	UserId string `json:"user_id"`
	Online bool   `json:"online"`
}

type ReactionPayload struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserId    string `json:"user_id"`
	Added     bool   `json:"added"`
}

type ChainStepPayload struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

type RoutePayload struct {
	BotId  string `json:"bot_id"`
	Reason string `json:"reason,omitempty"`
}

type ClearedPayload struct{}

// Outbound command types recognized by the backend.
const (
	CommandChat    = "chat"
	CommandTyping  = "typing"
	CommandStopBot = "stop_bot"
)

// ClientCommand is the outbound frame shape.
type ClientCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type ChatPayload struct {
	LocalId string `json:"local_id"`
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type TypingCommandPayload struct {
	RoomId string `json:"room_id"`
	Typing bool   `json:"typing"`
}

type StopBotPayload struct {
	RoomId string `json:"room_id"`
	BotId  string `json:"bot_id"`
}

// NewChatCommand builds a chat submission with a locally generated id
// so the sender can match the optimistic entry against the broadcast
// copy.
func NewChatCommand(roomId, content string) *ClientCommand {
	localId, err := shortid.Generate()
	if err != nil {
		localId = ""
	}

	return &ClientCommand{
		Type: CommandChat,
		Payload: ChatPayload{
			LocalId: localId,
			RoomId:  roomId,
			Content: content,
		},
	}
}

func NewTypingCommand(roomId string, typing bool) *ClientCommand {
	return &ClientCommand{
		Type: CommandTyping,
		Payload: TypingCommandPayload{
			RoomId: roomId,
			Typing: typing,
		},
	}
}

func NewStopBotCommand(roomId, botId string) *ClientCommand {
	return &ClientCommand{
		Type: CommandStopBot,
		Payload: StopBotPayload{
			RoomId: roomId,
			BotId:  botId,
		},
	}
}
