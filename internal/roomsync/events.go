package roomsync

import (
	"context"
	"encoding/json"

	"github.com/jhd3197/CachiBot-sub003/internal/connection"
	"github.com/jhd3197/CachiBot-sub003/internal/sse"
	"github.com/jhd3197/CachiBot-sub003/internal/stats"
	"github.com/jhd3197/CachiBot-sub003/internal/types"
)

// Apply routes one inbound room event to its reconciliation rule. A
// malformed or unrecognized event is logged and ignored; it can never
// corrupt other rooms or other messages, since every rule is keyed by
// the event's own room/message/bot/tool ids.
func (s *Store) Apply(ev *connection.RoomEvent) {
	if ev.RoomId == "" {
		s.log.Println("ignoring event with no room id")
		s.stats.Incr(stats.MetricEventsIgnored)
		return
	}

	switch ev.Kind() {
	case connection.KindMessage:
		s.UpsertMessage(ev.RoomId, ev.Message, ev.Timestamp)
	case connection.KindMessageDelta:
		s.AppendDelta(ev.RoomId, ev.MessageDelta.MessageId, ev.MessageDelta.SenderId, ev.MessageDelta.Content)
	case connection.KindMessageDone:
		s.FinalizeMessage(ev.RoomId, ev.MessageDone.MessageId, ev.MessageDone.SenderId, ev.MessageDone.Thinking)
	case connection.KindMessageMeta:
		s.SetMessageMetadata(ev.RoomId, ev.MessageMeta.MessageId, ev.MessageMeta.Metadata)
	case connection.KindThinkingDelta:
		s.AppendThinking(ev.RoomId, ev.ThinkingDelta.BotId, ev.ThinkingDelta.Content)
	case connection.KindBotStatus:
		s.SetBotActivity(ev.RoomId, ev.BotStatus.BotId, ev.BotStatus.Activity, ev.BotStatus.Detail)
	case connection.KindToolStart:
		s.AddToolCall(ev.RoomId, ev.ToolStart.MessageId, ev.ToolStart.ToolId, ev.ToolStart.Name, ev.Timestamp)
	case connection.KindToolDelta:
		s.AppendToolDelta(ev.RoomId, ev.ToolDelta.ToolId, ev.ToolDelta.Content)
	case connection.KindToolDone:
		s.CompleteToolCall(ev.RoomId, ev.ToolDone.MessageId, ev.ToolDone.ToolId, ev.ToolDone.Result, ev.ToolDone.Success, ev.Timestamp)
	case connection.KindTyping:
		s.SetTyping(ev.RoomId, ev.Typing.UserId, ev.Typing.Typing)
	case connection.KindPresence:
		s.SetPresence(ev.RoomId, ev.Presence.UserId, ev.Presence.Online)
	case connection.KindReaction:
		s.ApplyReaction(ev.RoomId, ev.Reaction.MessageId, ev.Reaction.Emoji, ev.Reaction.UserId, ev.Reaction.Added)
	case connection.KindChainStep:
		s.SetChainStep(ev.RoomId, ev.ChainStep.Step, ev.ChainStep.Total)
	case connection.KindRoute:
		s.SetRoute(ev.RoomId, ev.Route.BotId)
	case connection.KindConsensus:
		s.SetConsensus(ev.RoomId, ev.Consensus)
	case connection.KindInterview:
		s.SetInterview(ev.RoomId, ev.Interview)
	case connection.KindCleared:
		s.ClearMessages(ev.RoomId)
	default:
		s.log.Printf("room %q: ignoring unrecognized event", ev.RoomId)
		s.stats.Incr(stats.MetricEventsIgnored)
	}
}

// Attach subscribes the store to a room connection's inbound stream and
// clears the room's transient state on disconnect, since "happening
// right now" cannot survive a dropped socket. The returned function
// detaches the store.
func (s *Store) Attach(conn *connection.Connection) (detach func()) {
	unsubMsg := conn.OnMessage(s.Apply)
	unsubDisc := conn.OnDisconnect(func(roomId string) {
		if roomId != "" {
			s.ClearTransient(roomId)
		}
	})

	return func() {
		unsubMsg()
		unsubDisc()
	}
}

// Generation SSE event names produced by the one-shot endpoints.
const (
	sseEventName     = "name"
	sseEventQuestion = "question"
	sseEventDone     = "done"
	sseEventError    = "error"
)

type namePayload struct {
	Name string `json:"name"`
}

// ConsumeGeneration drains a one-shot generation stream into the
// room's transient state (interview progress, suggested names). The
// returned channel closes when the stream ends; cancellation via ctx
// is a clean stop, not an error.
func (s *Store) ConsumeGeneration(ctx context.Context, client *sse.Client, roomId, path string, payload any) (<-chan struct{}, error) {
	events, err := client.Stream(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.applyGenerationEvent(roomId, ev)
		}
	}()

	return done, nil
}

func (s *Store) applyGenerationEvent(roomId string, ev sse.Event) {
	switch ev.Name {
	case sseEventQuestion:
		var progress types.InterviewProgress
		if err := json.Unmarshal(ev.Data, &progress); err != nil {
			s.log.Println("decode question event:", err)
			s.stats.Incr(stats.MetricEventsIgnored)
			return
		}
		s.SetInterview(roomId, &progress)
	case sseEventName:
		var p namePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			s.log.Println("decode name event:", err)
			s.stats.Incr(stats.MetricEventsIgnored)
			return
		}
		s.SetSuggestedName(roomId, p.Name)
	case sseEventDone:
		s.SetInterview(roomId, nil)
	case sseEventError:
		s.log.Printf("room %q: generation stream error: %s", roomId, ev.Data)
		s.stats.Incr(stats.MetricEventsIgnored)
	default:
		s.log.Printf("room %q: ignoring generation event %q", roomId, ev.Name)
		s.stats.Incr(stats.MetricEventsIgnored)
	}
}
