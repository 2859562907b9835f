package roomsync

import (
	"sort"
	"time"
)

// MergeOutcome reports what AddMessage did with a message.
type MergeOutcome string

const (
	OutcomeAppended  MergeOutcome = "appended"
	OutcomePromoted  MergeOutcome = "promoted"
	OutcomeUpdated   MergeOutcome = "updated"
	OutcomeDuplicate MergeOutcome = "duplicate"
	OutcomeGated     MergeOutcome = "gated"
	OutcomeInvalid   MergeOutcome = "invalid"
)

// ============================================================================
// Add / merge
// ============================================================================

// AddMessage merges one message into its room: a live `message` event, a
// reply event, or an optimistic local send.
//
// Confirmed messages are append-once: a second copy either updates the
// stored entry in place (new reaction summary, newly known reply preview)
// or is discarded. A confirmation replaces the optimistic entry it matches
// instead of producing a second entry.
func (s *Store) AddMessage(msg Message) MergeOutcome {
	s.mu.Lock()
	outcome, changes := s.addMessageLocked(msg)
	s.mu.Unlock()

	s.metrics.merged(outcome)
	s.notify(changes)
	return outcome
}

func (s *Store) addMessageLocked(msg Message) (MergeOutcome, []Change) {
	roomID := msg.RoomID
	if roomID == "" || msg.Key() == "" {
		s.log.Warn().Str("room", roomID).Msg("message without room or identity ignored")
		return OutcomeInvalid, nil
	}
	if msg.Confirmed() {
		if len(s.loading[roomID]) > 0 {
			s.log.Debug().Str("room", roomID).Str("message", msg.ID).Msg("room reloading, live message deferred to reload")
			return OutcomeGated, nil
		}
	}

	list := s.messages[roomID]
	var next []Message
	outcome := OutcomeAppended

	if msg.Confirmed() {
		if i := indexByID(list, msg.ID); i >= 0 {
			if !materiallyNew(&list[i], &msg) {
				s.log.Debug().Str("room", roomID).Str("message", msg.ID).Msg("duplicate message discarded")
				return OutcomeDuplicate, nil
			}
			next = cloneMessages(list)
			next[i] = updateInPlace(list[i], msg)
			outcome = OutcomeUpdated
		} else if i := s.findOptimistic(list, &msg, nil); i >= 0 {
			s.log.Debug().Str("room", roomID).Str("temp_id", list[i].TempID).Str("message", msg.ID).Msg("optimistic message confirmed")
			next = cloneMessages(list)
			next[i] = promote(list[i], msg)
			outcome = OutcomePromoted
		}
		msg.TempID = ""
	} else if indexByTempID(list, msg.TempID) >= 0 {
		s.log.Debug().Str("room", roomID).Str("temp_id", msg.TempID).Msg("duplicate optimistic message discarded")
		return OutcomeDuplicate, nil
	}

	if next == nil {
		next = make([]Message, len(list), len(list)+1)
		copy(next, list)
		next = append(next, msg)
	}

	resolveReplies(next)
	sortByCreatedAt(next)

	changes := []Change{s.putRoomLocked(roomID, next)}
	if c, ok := s.inferMemberLocked(roomID, msg.SenderID); ok {
		changes = append(changes, c)
	}
	if msg.Confirmed() {
		changes = append(changes, s.replayPendingLocked(msg.ID)...)
	}
	return outcome, changes
}

// ============================================================================
// Full reload
// ============================================================================

// SetMessages replaces the room's confirmed history with an authoritative
// fetch. Optimistic entries no fetched message accounts for are kept; the
// ones that were confirmed in the meantime collapse into their fetched
// counterpart. Outstanding reloads are left alone; a reload started with
// BeginReload installs its result with CompleteReload.
func (s *Store) SetMessages(roomID string, fetched []Message) {
	s.mu.Lock()
	changes := s.setMessagesLocked(roomID, fetched)
	s.mu.Unlock()
	s.notify(changes)
}

func (s *Store) setMessagesLocked(roomID string, fetched []Message) []Change {
	existing := s.messages[roomID]
	next := make([]Message, 0, len(fetched)+len(existing))

	for _, m := range fetched {
		if m.ID == "" {
			s.log.Warn().Str("room", roomID).Msg("fetched message without id ignored")
			continue
		}
		m.RoomID = roomID
		m.TempID = ""
		if i := indexByID(next, m.ID); i >= 0 {
			if materiallyNew(&next[i], &m) {
				next[i] = updateInPlace(next[i], m)
			}
			continue
		}
		if i := indexByID(existing, m.ID); i >= 0 {
			prev := existing[i]
			if materiallyNew(&prev, &m) {
				prev = updateInPlace(prev, m)
			}
			next = append(next, prev)
			continue
		}
		next = append(next, m)
	}

	confirmed := len(next)
	claimed := make(map[int]bool)
	for _, opt := range existing {
		if !opt.Optimistic() {
			continue
		}
		if i := s.findConfirmation(next[:confirmed], &opt, claimed); i >= 0 {
			claimed[i] = true
			next[i] = promote(opt, next[i])
			continue
		}
		next = append(next, opt)
	}

	resolveReplies(next)
	sortByCreatedAt(next)

	changes := []Change{s.putRoomLocked(roomID, next)}
	for _, m := range next {
		if m.Confirmed() {
			changes = append(changes, s.replayPendingLocked(m.ID)...)
		}
	}
	return changes
}

// ============================================================================
// Reactions
// ============================================================================

// ApplyReaction merges a reaction created/removed event. When the target
// message is not in the store yet the event is queued and retried.
func (s *Store) ApplyReaction(ev ReactionEvent) {
	if ev.MessageID == "" {
		s.log.Warn().Msg("reaction event without message id ignored")
		return
	}
	s.mu.Lock()
	changes, ok := s.applyReactionLocked(&ev)
	if !ok {
		s.enqueuePendingLocked(ev)
	}
	s.mu.Unlock()

	if ok {
		s.metrics.reaction("applied")
	}
	s.notify(changes)
}

func (s *Store) applyReactionLocked(ev *ReactionEvent) ([]Change, bool) {
	roomID, idx := s.locateLocked(ev.RoomID, ev.MessageID)
	if idx < 0 {
		return nil, false
	}
	list := s.messages[roomID]
	next := cloneMessages(list)
	m := next[idx]

	m.ReactionsSummary = cloneSummary(ev.ReactionsSummary)
	if m.ReactionsSummary == nil {
		m.ReactionsSummary = []ReactionCount{}
	}
	if actor := ev.actor(); actor != "" && actor == s.opts.CurrentUserID {
		if ev.Removed {
			m.CurrentUserReaction = nil
		} else {
			emoji := ev.Emoji
			if ev.Reaction != nil && ev.Reaction.Emoji != "" {
				emoji = ev.Reaction.Emoji
			}
			m.CurrentUserReaction = &emoji
		}
	}
	next[idx] = m
	return []Change{s.putRoomLocked(roomID, next)}, true
}

// locateLocked finds a confirmed message, in the hinted room first.
func (s *Store) locateLocked(roomHint, messageID string) (string, int) {
	if roomHint != "" {
		if i := indexByID(s.messages[roomHint], messageID); i >= 0 {
			return roomHint, i
		}
	}
	for roomID, list := range s.messages {
		if roomID == roomHint {
			continue
		}
		if i := indexByID(list, messageID); i >= 0 {
			return roomID, i
		}
	}
	return "", -1
}

// ============================================================================
// Matching
// ============================================================================

// findOptimistic returns the optimistic entry a confirmed message stands
// for: an exact tempId echo wins, then the oldest entry with the same
// content, sender and reply target created within MatchWindow.
func (s *Store) findOptimistic(list []Message, confirmed *Message, claimed map[int]bool) int {
	if confirmed.TempID != "" {
		for i := range list {
			if list[i].Optimistic() && list[i].TempID == confirmed.TempID && !claimed[i] {
				return i
			}
		}
	}
	if s.opts.ExactMatchOnly {
		return -1
	}
	for i := range list {
		if !claimed[i] && list[i].Optimistic() && s.sameLogicalMessage(&list[i], confirmed) {
			return i
		}
	}
	return -1
}

// findConfirmation is findOptimistic seen from the other side: which of the
// fetched confirmed messages accounts for opt.
func (s *Store) findConfirmation(confirmed []Message, opt *Message, claimed map[int]bool) int {
	for i := range confirmed {
		if !claimed[i] && confirmed[i].TempID != "" && confirmed[i].TempID == opt.TempID {
			return i
		}
	}
	if s.opts.ExactMatchOnly {
		return -1
	}
	for i := range confirmed {
		if !claimed[i] && s.sameLogicalMessage(opt, &confirmed[i]) {
			return i
		}
	}
	return -1
}

func (s *Store) sameLogicalMessage(opt, confirmed *Message) bool {
	if opt.Content != confirmed.Content ||
		opt.SenderID != confirmed.SenderID ||
		opt.ReplyToMessageID != confirmed.ReplyToMessageID {
		return false
	}
	d := opt.CreatedAt.Sub(confirmed.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < s.opts.MatchWindow
}

// materiallyNew reports whether in carries data stored lacks.
func materiallyNew(stored, in *Message) bool {
	if in.ReactionsSummary != nil && !equalSummary(stored.ReactionsSummary, in.ReactionsSummary) {
		return true
	}
	return stored.ReplyTo == nil && in.ReplyTo != nil
}

func updateInPlace(stored, in Message) Message {
	if in.ReactionsSummary != nil {
		stored.ReactionsSummary = cloneSummary(in.ReactionsSummary)
	}
	if stored.ReplyTo == nil && in.ReplyTo != nil {
		stored.ReplyTo = in.ReplyTo
	}
	if in.CurrentUserReaction != nil {
		stored.CurrentUserReaction = in.CurrentUserReaction
	}
	return stored
}

// promote turns opt into its confirmed form, keeping locally known data the
// confirmation has not populated.
func promote(opt, confirmed Message) Message {
	out := confirmed
	out.TempID = ""
	if out.RoomID == "" {
		out.RoomID = opt.RoomID
	}
	if out.ReplyTo == nil {
		out.ReplyTo = opt.ReplyTo
	}
	if out.ReactionsSummary == nil {
		out.ReactionsSummary = opt.ReactionsSummary
	}
	if out.CurrentUserReaction == nil {
		out.CurrentUserReaction = opt.CurrentUserReaction
	}
	if out.Attachments == nil {
		out.Attachments = opt.Attachments
	}
	if out.SenderName == "" {
		out.SenderName = opt.SenderName
	}
	if out.SenderType == "" {
		out.SenderType = opt.SenderType
	}
	return out
}

// resolveReplies fills missing reply previews from targets present in list.
// list must be a slice the caller owns.
func resolveReplies(list []Message) {
	for i := range list {
		m := &list[i]
		if m.ReplyToMessageID == "" || m.ReplyTo != nil {
			continue
		}
		if j := indexByID(list, m.ReplyToMessageID); j >= 0 {
			m.ReplyTo = list[j].preview()
		}
	}
}

func sortByCreatedAt(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func cloneMessages(list []Message) []Message {
	return append([]Message(nil), list...)
}

func cloneSummary(in []ReactionCount) []ReactionCount {
	if in == nil {
		return nil
	}
	return append([]ReactionCount{}, in...)
}

func equalSummary(a, b []ReactionCount) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// optimisticMessage builds the local copy of a message the user is sending.
func optimisticMessage(roomID, senderID, content, tempID string, now time.Time) Message {
	return Message{
		TempID:     tempID,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderType: SenderHuman,
		Content:    content,
		CreatedAt:  now,
	}
}
