package roomsync

import (
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jhd3197/CachiBot-sub003/internal/connection"
	"github.com/jhd3197/CachiBot-sub003/internal/stats"
	"github.com/jhd3197/CachiBot-sub003/internal/types"
)

const defaultDedupWindow = 2 * time.Second

// messageKey addresses one timeline entry. All mutation is scoped by
// explicit composite keys; there is no "current room" cursor.
type messageKey struct {
	roomId    string
	messageId string
}

type toolKey struct {
	roomId    string
	messageId string
	toolId    string
}

// Store is the canonical client-side view of every room's timeline and
// transient activity. It reconciles an at-least-once, occasionally
// reordered event feed without ever shrinking message content or
// regressing a completed tool call.
type Store struct {
	log         *log.Logger
	stats       stats.StatsProvider
	dedupWindow time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	timelines map[string][]*types.RoomMessage
	index     map[messageKey]*types.RoomMessage
	// ledger holds tool calls for messages still being generated.
	// Finalizing a message moves its entries into the message and
	// discards them here.
	ledger    map[messageKey][]types.ToolCall
	transient map[string]*types.RoomTransient
}

func NewStore(logger *log.Logger, sp stats.StatsProvider) *Store {
	return &Store{
		log:         logger,
		stats:       sp,
		dedupWindow: defaultDedupWindow,
		now:         time.Now,
		timelines:   make(map[string][]*types.RoomMessage),
		index:       make(map[messageKey]*types.RoomMessage),
		ledger:      make(map[messageKey][]types.ToolCall),
		transient:   make(map[string]*types.RoomTransient),
	}
}

// SetDedupWindow overrides the duplicate-suppression window for user
// messages.
func (s *Store) SetDedupWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupWindow = d
}

func (s *Store) transientLocked(roomId string) *types.RoomTransient {
	tr, ok := s.transient[roomId]
	if !ok {
		tr = types.NewRoomTransient()
		s.transient[roomId] = tr
	}
	return tr
}

// UpsertMessage inserts a new timeline entry. Bot and system messages
// are deduplicated by id. User messages instead collapse duplicate
// deliveries: an identical (senderId, content) pair observed within the
// dedup window of an existing entry is discarded.
func (s *Store) UpsertMessage(roomId string, msg *connection.MessagePayload, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		ts = s.now()
	}

	key := messageKey{roomId: roomId, messageId: msg.Id}
	if _, ok := s.index[key]; ok {
		// Redelivered create for a message we already track.
		s.stats.Incr(stats.MetricDuplicatesSuppressed)
		return
	}

	if msg.SenderType == types.SenderUser && s.isDuplicateUserMessageLocked(roomId, msg, ts) {
		s.log.Printf("room %q: suppressing duplicate user message from %q", roomId, msg.SenderId)
		s.stats.Incr(stats.MetricDuplicatesSuppressed)
		return
	}

	entry := &types.RoomMessage{
		Id:         msg.Id,
		SenderType: msg.SenderType,
		SenderId:   msg.SenderId,
		Content:    msg.Content,
		Timestamp:  ts,
		Metadata:   msg.Metadata,
	}

	s.timelines[roomId] = append(s.timelines[roomId], entry)
	s.index[key] = entry
	s.stats.Incr(stats.MetricEventsApplied)
}

func (s *Store) isDuplicateUserMessageLocked(roomId string, msg *connection.MessagePayload, ts time.Time) bool {
	timeline := s.timelines[roomId]
	for i := len(timeline) - 1; i >= 0; i-- {
		existing := timeline[i]
		if ts.Sub(existing.Timestamp) > s.dedupWindow {
			return false
		}
		if existing.SenderType == types.SenderUser &&
			existing.SenderId == msg.SenderId &&
			existing.Content == msg.Content {
			return true
		}
	}
	return false
}

// AppendDelta concatenates streamed content onto a bot message,
// creating the entry if the delta arrived before its create event.
// Content only ever grows.
func (s *Store) AppendDelta(roomId, messageId, senderId, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{roomId: roomId, messageId: messageId}
	entry, ok := s.index[key]
	if !ok {
		entry = &types.RoomMessage{
			Id:         messageId,
			SenderType: types.SenderBot,
			SenderId:   senderId,
			Timestamp:  s.now(),
		}
		s.timelines[roomId] = append(s.timelines[roomId], entry)
		s.index[key] = entry
	}

	entry.Content += delta
	s.stats.Incr(stats.MetricEventsApplied)
}

// FinalizeMessage closes a streamed message: the working tool-call
// ledger for the message moves into the message and is discarded, and
// any accumulated thinking text is attached. Finalize is idempotent; a
// second call with an empty ledger changes nothing.
func (s *Store) FinalizeMessage(roomId, messageId, senderId, thinking string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{roomId: roomId, messageId: messageId}
	entry, ok := s.index[key]
	if !ok {
		s.log.Printf("room %q: finalize for unknown message %q", roomId, messageId)
		s.stats.Incr(stats.MetricEventsIgnored)
		return
	}

	if calls, ok := s.ledger[key]; ok {
		entry.ToolCalls = append(entry.ToolCalls, calls...)
		delete(s.ledger, key)
	}

	tr := s.transientLocked(roomId)
	if thinking == "" {
		thinking = tr.Thinking[senderId]
	}
	if thinking != "" {
		entry.Thinking = thinking
	}
	delete(tr.Thinking, senderId)

	s.stats.Incr(stats.MetricEventsApplied)
}

// AddToolCall opens a pending entry in the working ledger.
func (s *Store) AddToolCall(roomId, messageId, toolId, name string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		ts = s.now()
	}

	key := messageKey{roomId: roomId, messageId: messageId}
	for _, call := range s.ledger[key] {
		if call.Id == toolId {
			// Redelivered start for a call already tracked.
			return
		}
	}

	s.ledger[key] = append(s.ledger[key], types.ToolCall{
		Id:        toolId,
		Name:      name,
		StartTime: ts,
		Status:    types.ToolCallPending,
	})
	s.stats.Incr(stats.MetricEventsApplied)
}

// CompleteToolCall records the result of a pending tool call. A
// redelivered completion overwrites the previous one rather than
// failing.
func (s *Store) CompleteToolCall(roomId, messageId, toolId, result string, success bool, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		ts = s.now()
	}

	key := messageKey{roomId: roomId, messageId: messageId}
	calls := s.ledger[key]
	for i := range calls {
		if calls[i].Id == toolId {
			calls[i].Result = result
			calls[i].EndTime = ts
			if success {
				calls[i].Status = types.ToolCallSucceeded
			} else {
				calls[i].Status = types.ToolCallFailed
			}

			delete(s.transientLocked(roomId).ToolDeltas, toolId)
			s.stats.Incr(stats.MetricEventsApplied)
			return
		}
	}

	s.log.Printf("room %q: completion for unknown tool call %q on message %q", roomId, toolId, messageId)
	s.stats.Incr(stats.MetricEventsIgnored)
}

// ApplyReaction adds or removes one user's reaction on a message.
// Adding is idempotent per user and emoji; removing deletes the emoji
// entry once its user set empties.
func (s *Store) ApplyReaction(roomId, messageId, emoji, userId string, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{roomId: roomId, messageId: messageId}
	entry, ok := s.index[key]
	if !ok {
		s.log.Printf("room %q: reaction for unknown message %q", roomId, messageId)
		s.stats.Incr(stats.MetricEventsIgnored)
		return
	}

	idx := slices.IndexFunc(entry.Reactions, func(r types.Reaction) bool {
		return r.Emoji == emoji
	})

	if added {
		if idx < 0 {
			entry.Reactions = append(entry.Reactions, types.Reaction{
				Emoji:   emoji,
				Count:   1,
				UserIds: []string{userId},
			})
			s.stats.Incr(stats.MetricEventsApplied)
			return
		}

		reaction := &entry.Reactions[idx]
		if slices.Contains(reaction.UserIds, userId) {
			return
		}
		reaction.UserIds = append(reaction.UserIds, userId)
		reaction.Count++
		s.stats.Incr(stats.MetricEventsApplied)
		return
	}

	if idx < 0 {
		return
	}

	reaction := &entry.Reactions[idx]
	userIdx := slices.Index(reaction.UserIds, userId)
	if userIdx < 0 {
		return
	}

	reaction.UserIds = slices.Delete(reaction.UserIds, userIdx, userIdx+1)
	reaction.Count--
	if len(reaction.UserIds) == 0 {
		entry.Reactions = slices.Delete(entry.Reactions, idx, idx+1)
	}
	s.stats.Incr(stats.MetricEventsApplied)
}

// SetMessageMetadata merges keys into a message's metadata bag.
func (s *Store) SetMessageMetadata(roomId, messageId string, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[messageKey{roomId: roomId, messageId: messageId}]
	if !ok {
		s.log.Printf("room %q: metadata for unknown message %q", roomId, messageId)
		s.stats.Incr(stats.MetricEventsIgnored)
		return
	}

	if entry.Metadata == nil {
		entry.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		entry.Metadata[k] = v
	}
	s.stats.Incr(stats.MetricEventsApplied)
}

func (s *Store) SetPresence(roomId, userId string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	if online {
		tr.OnlineUsers[userId] = struct{}{}
	} else {
		delete(tr.OnlineUsers, userId)
	}
}

func (s *Store) SetTyping(roomId, userId string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	if typing {
		tr.TypingUsers[userId] = struct{}{}
	} else {
		delete(tr.TypingUsers, userId)
	}
}

func (s *Store) SetBotActivity(roomId, botId string, activity types.BotActivity, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	tr.BotActivity[botId] = activity
	if activity == types.BotIdle {
		delete(tr.BotStatus, botId)
		return
	}
	if detail != "" {
		tr.BotStatus[botId] = detail
	}
}

func (s *Store) AppendThinking(roomId, botId, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	tr.Thinking[botId] += delta
}

func (s *Store) AppendToolDelta(roomId, toolId, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	tr.ToolDeltas[toolId] += delta
}

func (s *Store) SetChainStep(roomId string, step, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.transientLocked(roomId)
	tr.ChainStep = step
	tr.ChainTotal = total
}

func (s *Store) SetRoute(roomId, botId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transientLocked(roomId).Route = botId
}

func (s *Store) SetSuggestedName(roomId, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transientLocked(roomId).SuggestedName = name
}

func (s *Store) SetConsensus(roomId string, progress *types.ConsensusProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transientLocked(roomId).Consensus = progress
}

func (s *Store) SetInterview(roomId string, progress *types.InterviewProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transientLocked(roomId).Interview = progress
}

// ClearTransient resets a room's in-flight state without touching its
// message history.
func (s *Store) ClearTransient(roomId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.transient, roomId)
}

// ClearMessages drops a room's timeline and working ledger. Only
// explicit clear commands reach this; reconciliation never deletes
// history on its own.
func (s *Store) ClearMessages(roomId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.timelines[roomId] {
		delete(s.index, messageKey{roomId: roomId, messageId: msg.Id})
	}
	delete(s.timelines, roomId)

	for key := range s.ledger {
		if key.roomId == roomId {
			delete(s.ledger, key)
		}
	}
}

// Messages returns a copy of the room's timeline in arrival order.
func (s *Store) Messages(roomId string) []types.RoomMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timeline := s.timelines[roomId]
	msgs := make([]types.RoomMessage, 0, len(timeline))
	for _, m := range timeline {
		msg := *m
		msg.ToolCalls = slices.Clone(m.ToolCalls)
		msg.Reactions = slices.Clone(m.Reactions)
		msg.Metadata = maps.Clone(m.Metadata)
		msgs = append(msgs, msg)
	}
	return msgs
}

// Message returns a copy of one timeline entry.
func (s *Store) Message(roomId, messageId string) (types.RoomMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index[messageKey{roomId: roomId, messageId: messageId}]
	if !ok {
		return types.RoomMessage{}, false
	}

	msg := *entry
	msg.ToolCalls = slices.Clone(entry.ToolCalls)
	msg.Reactions = slices.Clone(entry.Reactions)
	msg.Metadata = maps.Clone(entry.Metadata)
	return msg, true
}

// ActiveToolCalls returns a copy of the working ledger for a message
// still being generated.
func (s *Store) ActiveToolCalls(roomId, messageId string) []types.ToolCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.ledger[messageKey{roomId: roomId, messageId: messageId}])
}

// Transient returns a snapshot of the room's in-flight state.
func (s *Store) Transient(roomId string) types.RoomTransient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.transient[roomId]
	if !ok {
		return *types.NewRoomTransient()
	}

	snapshot := types.RoomTransient{
		OnlineUsers:   make(map[string]struct{}, len(tr.OnlineUsers)),
		TypingUsers:   make(map[string]struct{}, len(tr.TypingUsers)),
		BotActivity:   make(map[string]types.BotActivity, len(tr.BotActivity)),
		BotStatus:     make(map[string]string, len(tr.BotStatus)),
		Thinking:      make(map[string]string, len(tr.Thinking)),
		ToolDeltas:    make(map[string]string, len(tr.ToolDeltas)),
		ChainStep:     tr.ChainStep,
		ChainTotal:    tr.ChainTotal,
		Route:         tr.Route,
		SuggestedName: tr.SuggestedName,
	}
	for k := range tr.OnlineUsers {
		snapshot.OnlineUsers[k] = struct{}{}
	}
	for k := range tr.TypingUsers {
		snapshot.TypingUsers[k] = struct{}{}
	}
	for k, v := range tr.BotActivity {
		snapshot.BotActivity[k] = v
	}
	for k, v := range tr.BotStatus {
		snapshot.BotStatus[k] = v
	}
	for k, v := range tr.Thinking {
		snapshot.Thinking[k] = v
	}
	for k, v := range tr.ToolDeltas {
		snapshot.ToolDeltas[k] = v
	}
	if tr.Consensus != nil {
		consensus := *tr.Consensus
		snapshot.Consensus = &consensus
	}
	if tr.Interview != nil {
		interview := *tr.Interview
		snapshot.Interview = &interview
	}

	return snapshot
}
