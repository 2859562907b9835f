package roomsync

import (
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testRoom = "room-1"
	testMe   = "user-me"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts *StoreOptions) *Store {
	t.Helper()
	if opts == nil {
		opts = &StoreOptions{}
	}
	if opts.CurrentUserID == "" {
		opts.CurrentUserID = testMe
	}
	s := NewStore(opts)
	t.Cleanup(s.Close)
	return s
}

func confirmedMsg(id, sender, content string, at time.Duration) Message {
	return Message{
		ID:        id,
		RoomID:    testRoom,
		SenderID:  sender,
		Content:   content,
		CreatedAt: testEpoch.Add(at),
	}
}

func ids(list []Message) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[i].Key()
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// AddMessage
// ============================================================================

func TestAddMessage(t *testing.T) {
	t.Run("same id twice yields one entry", func(t *testing.T) {
		s := newTestStore(t, nil)
		m := confirmedMsg("m-1", "user-a", "hello", 0)
		if got := s.AddMessage(m); got != OutcomeAppended {
			t.Fatalf("expected appended, got %s", got)
		}
		if got := s.AddMessage(m); got != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s", got)
		}
		if n := len(s.Messages(testRoom)); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("duplicate with new reactions updates in place", func(t *testing.T) {
		s := newTestStore(t, nil)
		m := confirmedMsg("m-1", "user-a", "hello", 0)
		s.AddMessage(m)
		m.ReactionsSummary = []ReactionCount{{Emoji: "👍", Count: 2}}
		if got := s.AddMessage(m); got != OutcomeUpdated {
			t.Fatalf("expected updated, got %s", got)
		}
		msgs := s.Messages(testRoom)
		if len(msgs) != 1 || len(msgs[0].ReactionsSummary) != 1 || msgs[0].ReactionsSummary[0].Count != 2 {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("messages are ordered by creation time", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(confirmedMsg("m-3", "user-a", "three", 3*time.Second))
		s.AddMessage(confirmedMsg("m-1", "user-a", "one", 1*time.Second))
		s.AddMessage(confirmedMsg("m-2", "user-a", "two", 2*time.Second))

		got := ids(s.Messages(testRoom))
		want := []string{"m-1", "m-2", "m-3"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	})

	t.Run("message without room is rejected", func(t *testing.T) {
		s := newTestStore(t, nil)
		m := confirmedMsg("m-1", "user-a", "hello", 0)
		m.RoomID = ""
		if got := s.AddMessage(m); got != OutcomeInvalid {
			t.Fatalf("expected invalid, got %s", got)
		}
	})

	t.Run("sender becomes a member", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(confirmedMsg("m-1", "user-b", "hello", 0))
		if !s.IsMember(testRoom, "user-b") {
			t.Fatal("expected user-b to be inferred as member")
		}
	})
}

// ============================================================================
// Optimistic promotion
// ============================================================================

func TestOptimisticPromotion(t *testing.T) {
	t.Run("echoed temp id promotes", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch))

		c := confirmedMsg("m-1", testMe, "hi", 10*time.Second)
		c.TempID = "t-1"
		if got := s.AddMessage(c); got != OutcomePromoted {
			t.Fatalf("expected promoted, got %s", got)
		}
		msgs := s.Messages(testRoom)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].ID != "m-1" || msgs[0].TempID != "" {
			t.Errorf("expected confirmed m-1 without temp id, got %+v", msgs[0])
		}
		if _, ok := s.Message(testRoom, "t-1"); ok {
			t.Error("temp id should no longer resolve")
		}
	})

	t.Run("content sender and time match promotes", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch))
		if got := s.AddMessage(confirmedMsg("m-1", testMe, "hi", time.Second)); got != OutcomePromoted {
			t.Fatalf("expected promoted, got %s", got)
		}
		if n := len(s.Messages(testRoom)); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("outside the match window appends", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch))
		s.AddMessage(confirmedMsg("m-1", testMe, "hi", time.Minute))
		if n := len(s.Messages(testRoom)); n != 2 {
			t.Fatalf("expected 2 messages, got %d", n)
		}
	})

	t.Run("exact match only ignores the heuristic", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{ExactMatchOnly: true})
		s.AddMessage(optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch))
		s.AddMessage(confirmedMsg("m-1", testMe, "hi", time.Second))
		if n := len(s.Messages(testRoom)); n != 2 {
			t.Fatalf("expected 2 messages, got %d", n)
		}
	})

	t.Run("two identical sends promote one each", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(optimisticMessage(testRoom, testMe, "ok", "t-1", testEpoch))
		s.AddMessage(optimisticMessage(testRoom, testMe, "ok", "t-2", testEpoch.Add(100*time.Millisecond)))
		s.AddMessage(confirmedMsg("m-1", testMe, "ok", 200*time.Millisecond))
		s.AddMessage(confirmedMsg("m-2", testMe, "ok", 300*time.Millisecond))

		got := ids(s.Messages(testRoom))
		if len(got) != 2 || got[0] != "m-1" || got[1] != "m-2" {
			t.Fatalf("expected [m-1 m-2], got %v", got)
		}
	})

	t.Run("duplicate optimistic is discarded", func(t *testing.T) {
		s := newTestStore(t, nil)
		opt := optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch)
		s.AddMessage(opt)
		if got := s.AddMessage(opt); got != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s", got)
		}
	})
}

// ============================================================================
// Reload gate
// ============================================================================

func TestReload(t *testing.T) {
	t.Run("live confirmed messages are gated", func(t *testing.T) {
		s := newTestStore(t, nil)
		tok := s.BeginReload(testRoom)
		if !s.Reloading(testRoom) {
			t.Fatal("expected gate raised")
		}
		if got := s.AddMessage(confirmedMsg("m-live", "user-a", "live", 0)); got != OutcomeGated {
			t.Fatalf("expected gated, got %s", got)
		}
		if got := s.AddMessage(optimisticMessage(testRoom, testMe, "mine", "t-1", testEpoch)); got != OutcomeAppended {
			t.Fatalf("optimistic message should pass the gate, got %s", got)
		}

		s.CompleteReload(tok, []Message{confirmedMsg("m-1", "user-a", "old", -time.Minute)})
		if s.Reloading(testRoom) {
			t.Fatal("expected gate cleared by CompleteReload")
		}
		got := ids(s.Messages(testRoom))
		if len(got) != 2 || got[0] != "m-1" || got[1] != "t-1" {
			t.Fatalf("expected [m-1 t-1], got %v", got)
		}
	})

	t.Run("end reload keeps messages", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(confirmedMsg("m-1", "user-a", "old", 0))
		s.EndReload(s.BeginReload(testRoom))
		if s.Reloading(testRoom) {
			t.Fatal("expected gate cleared")
		}
		if n := len(s.Messages(testRoom)); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("overlapping reloads hold the gate until both end", func(t *testing.T) {
		s := newTestStore(t, nil)
		first := s.BeginReload(testRoom)
		second := s.BeginReload(testRoom)

		s.CompleteReload(first, []Message{confirmedMsg("m-1", "user-a", "old", 0)})
		if !s.Reloading(testRoom) {
			t.Fatal("gate released while a reload is still outstanding")
		}
		if got := s.AddMessage(confirmedMsg("m-live", "user-a", "live", time.Minute)); got != OutcomeGated {
			t.Fatalf("expected gated, got %s", got)
		}

		s.EndReload(second)
		if s.Reloading(testRoom) {
			t.Fatal("expected gate cleared")
		}
		if got := s.AddMessage(confirmedMsg("m-live", "user-a", "live", time.Minute)); got != OutcomeAppended {
			t.Fatalf("expected appended, got %s", got)
		}
	})

	t.Run("older reload result is discarded", func(t *testing.T) {
		s := newTestStore(t, nil)
		first := s.BeginReload(testRoom)
		second := s.BeginReload(testRoom)

		s.CompleteReload(second, []Message{
			confirmedMsg("m-1", "user-a", "one", 0),
			confirmedMsg("m-2", "user-a", "two", time.Second),
		})
		s.CompleteReload(first, []Message{confirmedMsg("m-1", "user-a", "one", 0)})

		if got := ids(s.Messages(testRoom)); len(got) != 2 {
			t.Fatalf("expected newer result kept, got %v", got)
		}
		if s.Reloading(testRoom) {
			t.Fatal("expected gate cleared")
		}
	})

	t.Run("ending an unknown token keeps other reloads", func(t *testing.T) {
		s := newTestStore(t, nil)
		stale := s.BeginReload(testRoom)
		s.EndReload(stale)
		s.BeginReload(testRoom)
		s.EndReload(stale)
		if !s.Reloading(testRoom) {
			t.Fatal("expected gate raised")
		}
	})

	t.Run("set messages leaves outstanding reloads alone", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.BeginReload(testRoom)
		s.SetMessages(testRoom, []Message{confirmedMsg("m-1", "user-a", "cached", 0)})
		if !s.Reloading(testRoom) {
			t.Fatal("expected gate raised")
		}
		if n := len(s.Messages(testRoom)); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("gate times out", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{ReloadGateTimeout: 20 * time.Millisecond})
		s.BeginReload(testRoom)
		waitFor(t, time.Second, func() bool { return !s.Reloading(testRoom) })
	})

	t.Run("fetched confirmation collapses optimistic", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(optimisticMessage(testRoom, testMe, "hi", "t-1", testEpoch))
		s.SetMessages(testRoom, []Message{confirmedMsg("m-1", testMe, "hi", time.Second)})

		got := ids(s.Messages(testRoom))
		if len(got) != 1 || got[0] != "m-1" {
			t.Fatalf("expected [m-1], got %v", got)
		}
	})

	t.Run("fetched list deduplicates and keeps known replies", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.SetMessages(testRoom, []Message{
			confirmedMsg("m-1", "user-a", "one", 0),
			confirmedMsg("m-1", "user-a", "one", 0),
			{ID: "m-2", RoomID: testRoom, SenderID: "user-b", Content: "re", CreatedAt: testEpoch.Add(time.Second), ReplyToMessageID: "m-1"},
		})
		msgs := s.Messages(testRoom)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %v", ids(msgs))
		}
		if msgs[1].ReplyTo == nil || msgs[1].ReplyTo.ID != "m-1" {
			t.Errorf("expected reply preview of m-1, got %+v", msgs[1].ReplyTo)
		}
	})
}

// ============================================================================
// Reactions
// ============================================================================

func reactionCreated(messageID, user, emoji string, count int) ReactionEvent {
	return ReactionEvent{ReactionEventData: ReactionEventData{
		MessageID:        messageID,
		RoomID:           testRoom,
		Reaction:         &ReactionRecord{UserID: user, Emoji: emoji},
		ReactionsSummary: []ReactionCount{{Emoji: emoji, Count: count}},
	}}
}

func TestApplyReaction(t *testing.T) {
	t.Run("only own reactions set current user reaction", func(t *testing.T) {
		s := newTestStore(t, nil)
		s.AddMessage(confirmedMsg("m-1", "user-a", "hello", 0))

		s.ApplyReaction(reactionCreated("m-1", "user-other", "👍", 1))
		m, _ := s.Message(testRoom, "m-1")
		if m.CurrentUserReaction != nil {
			t.Fatalf("someone else's reaction leaked: %q", *m.CurrentUserReaction)
		}
		if len(m.ReactionsSummary) != 1 || m.ReactionsSummary[0].Count != 1 {
			t.Fatalf("unexpected summary: %+v", m.ReactionsSummary)
		}

		s.ApplyReaction(reactionCreated("m-1", testMe, "👍", 2))
		m, _ = s.Message(testRoom, "m-1")
		if m.CurrentUserReaction == nil || *m.CurrentUserReaction != "👍" {
			t.Fatalf("expected own reaction 👍, got %v", m.CurrentUserReaction)
		}

		s.ApplyReaction(ReactionEvent{Removed: true, ReactionEventData: ReactionEventData{
			MessageID:        "m-1",
			RoomID:           testRoom,
			UserID:           testMe,
			Emoji:            "👍",
			ReactionsSummary: []ReactionCount{{Emoji: "👍", Count: 1}},
		}})
		m, _ = s.Message(testRoom, "m-1")
		if m.CurrentUserReaction != nil {
			t.Fatal("expected own reaction cleared")
		}
		if m.ReactionsSummary[0].Count != 1 {
			t.Fatalf("expected count 1, got %d", m.ReactionsSummary[0].Count)
		}
	})

	t.Run("reaction before message is replayed on arrival", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{PendingRetryDelays: []time.Duration{time.Minute}})
		s.ApplyReaction(reactionCreated("m-9", "user-a", "🎉", 3))
		if n := s.PendingReactions(); n != 1 {
			t.Fatalf("expected 1 pending reaction, got %d", n)
		}

		s.AddMessage(confirmedMsg("m-9", "user-a", "late", 0))
		if n := s.PendingReactions(); n != 0 {
			t.Fatalf("expected queue drained, got %d", n)
		}
		m, _ := s.Message(testRoom, "m-9")
		if len(m.ReactionsSummary) != 1 || m.ReactionsSummary[0].Count != 3 {
			t.Fatalf("expected replayed summary, got %+v", m.ReactionsSummary)
		}
	})

	t.Run("reaction before reload is replayed by SetMessages", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{PendingRetryDelays: []time.Duration{time.Minute}})
		s.ApplyReaction(reactionCreated("m-9", "user-a", "🎉", 3))
		s.SetMessages(testRoom, []Message{confirmedMsg("m-9", "user-a", "late", 0)})
		m, _ := s.Message(testRoom, "m-9")
		if len(m.ReactionsSummary) != 1 {
			t.Fatalf("expected replayed summary, got %+v", m.ReactionsSummary)
		}
	})

	t.Run("reload replays reactions behind an earlier optimistic entry", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{PendingRetryDelays: []time.Duration{time.Minute}})
		s.AddMessage(optimisticMessage(testRoom, testMe, "unsent", "t-1", testEpoch.Add(-time.Hour)))
		s.ApplyReaction(reactionCreated("m-9", "user-a", "🎉", 2))

		s.SetMessages(testRoom, []Message{confirmedMsg("m-9", "user-a", "late", 0)})

		if got := ids(s.Messages(testRoom)); len(got) != 2 || got[0] != "t-1" || got[1] != "m-9" {
			t.Fatalf("expected [t-1 m-9], got %v", got)
		}
		if n := s.PendingReactions(); n != 0 {
			t.Fatalf("expected queue drained, got %d", n)
		}
		m, _ := s.Message(testRoom, "m-9")
		if len(m.ReactionsSummary) != 1 || m.ReactionsSummary[0].Count != 2 {
			t.Fatalf("expected replayed summary, got %+v", m.ReactionsSummary)
		}
	})

	t.Run("unknown message is dropped after the last retry", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{
			PendingRetryDelays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		})
		s.ApplyReaction(reactionCreated("m-404", "user-a", "👍", 1))
		waitFor(t, time.Second, func() bool { return s.PendingReactions() == 0 })

		s.AddMessage(confirmedMsg("m-404", "user-a", "finally", 0))
		m, _ := s.Message(testRoom, "m-404")
		if m.ReactionsSummary != nil {
			t.Fatalf("dropped reaction must not apply, got %+v", m.ReactionsSummary)
		}
	})

	t.Run("queue is bounded per message", func(t *testing.T) {
		s := newTestStore(t, &StoreOptions{
			PendingRetryDelays:   []time.Duration{time.Minute},
			MaxPendingPerMessage: 2,
		})
		for i := 0; i < 5; i++ {
			s.ApplyReaction(reactionCreated("m-9", "user-a", "👍", i+1))
		}
		if n := s.PendingReactions(); n != 2 {
			t.Fatalf("expected 2 pending, got %d", n)
		}
	})
}

// ============================================================================
// Snapshots & notifications
// ============================================================================

func TestCopyOnWrite(t *testing.T) {
	s := newTestStore(t, nil)
	s.AddMessage(confirmedMsg("m-1", "user-a", "hello", 0))

	before := s.Messages(testRoom)
	beforeMap := s.AllMessages()

	s.AddMessage(confirmedMsg("m-2", "user-a", "again", time.Second))
	s.ApplyReaction(reactionCreated("m-1", "user-a", "👍", 1))

	if len(before) != 1 || before[0].ReactionsSummary != nil {
		t.Fatalf("earlier snapshot was modified: %+v", before)
	}
	if len(beforeMap[testRoom]) != 1 {
		t.Fatal("earlier map snapshot was modified")
	}
	after := s.Messages(testRoom)
	if &after[0] == &before[0] {
		t.Fatal("expected a new slice after mutation")
	}
}

func TestReplyResolution(t *testing.T) {
	s := newTestStore(t, nil)
	reply := confirmedMsg("m-2", "user-b", "agreed", time.Second)
	reply.ReplyToMessageID = "m-1"
	s.AddMessage(reply)

	if m, _ := s.Message(testRoom, "m-2"); m.ReplyTo != nil {
		t.Fatal("preview cannot exist before its target")
	}

	s.AddMessage(confirmedMsg("m-1", "user-a", "proposal", 0))
	m, _ := s.Message(testRoom, "m-2")
	if m.ReplyTo == nil || m.ReplyTo.Content != "proposal" {
		t.Fatalf("expected preview resolved, got %+v", m.ReplyTo)
	}
}

func TestObservers(t *testing.T) {
	s := newTestStore(t, nil)

	var (
		mu      sync.Mutex
		changes []Change
	)
	s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	s.Subscribe(func(Change) { panic("bad observer") })

	s.AddMessage(confirmedMsg("m-1", "user-a", "hello", 0))
	s.AddMessage(confirmedMsg("m-1", "user-a", "hello", 0))

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("expected messages and members changes, got %+v", changes)
	}
	if changes[0].Kind != ChangeMessages || changes[1].Kind != ChangeMembers {
		t.Errorf("unexpected kinds: %+v", changes)
	}
	if changes[1].Version <= changes[0].Version {
		t.Errorf("versions must increase: %+v", changes)
	}
	if s.Version() != changes[1].Version {
		t.Errorf("expected store version %d, got %d", changes[1].Version, s.Version())
	}
}

func TestRemoveRoom(t *testing.T) {
	s := newTestStore(t, &StoreOptions{PendingRetryDelays: []time.Duration{time.Minute}})
	s.AddRoom(Room{ID: testRoom, Type: RoomGroup})
	s.AddMessage(confirmedMsg("m-1", "user-a", "hello", 0))
	s.ApplyReaction(reactionCreated("m-x", "user-a", "👍", 1))
	s.SetCurrentRoom(testRoom)

	s.RemoveRoom(testRoom)

	if len(s.Messages(testRoom)) != 0 || len(s.Members(testRoom)) != 0 || len(s.Rooms()) != 0 {
		t.Fatal("room state left behind")
	}
	if s.PendingReactions() != 0 {
		t.Fatal("pending reactions for the room left behind")
	}
	if s.CurrentRoom() != "" {
		t.Fatal("current room not cleared")
	}
}
