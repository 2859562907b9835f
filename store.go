package roomsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// StoreOptions configures a Store.
type StoreOptions struct {
	// CurrentUserID is the account the store renders for. Reaction events
	// only touch CurrentUserReaction when their actor is this user.
	CurrentUserID string
	// MatchWindow bounds the creation-time distance between an optimistic
	// message and the confirmation that replaces it.
	MatchWindow time.Duration
	// ExactMatchOnly disables the content/sender/time heuristic; only a
	// confirmation echoing the tempId promotes an optimistic message.
	ExactMatchOnly bool
	// ReloadGateTimeout releases a room's loading gate if the reload never
	// completes.
	ReloadGateTimeout time.Duration
	// PendingRetryDelays are the offsets, from enqueue time, at which a
	// reaction for an unknown message is retried. The last one is final.
	PendingRetryDelays []time.Duration
	// MaxPendingPerMessage caps queued reaction updates per message id.
	MaxPendingPerMessage int

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (o *StoreOptions) defaults() {
	if o.MatchWindow == 0 {
		o.MatchWindow = 5 * time.Second
	}
	if o.ReloadGateTimeout == 0 {
		o.ReloadGateTimeout = 30 * time.Second
	}
	if len(o.PendingRetryDelays) == 0 {
		o.PendingRetryDelays = []time.Duration{
			100 * time.Millisecond,
			500 * time.Millisecond,
			1000 * time.Millisecond,
		}
	}
	if o.MaxPendingPerMessage == 0 {
		o.MaxPendingPerMessage = 32
	}
}

// ============================================================================
// Change Notifications
// ============================================================================

// ChangeKind says which part of the store a Change touched.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeMembers  ChangeKind = "members"
	ChangeRooms    ChangeKind = "rooms"
)

// Change describes one committed mutation. Version increases with every
// commit, so observers that receive notifications late can discard stale
// ones.
type Change struct {
	RoomID  string
	Kind    ChangeKind
	Version uint64
}

// Observer is notified after a mutation has been committed. Observers run
// outside the store lock and may read from the store.
type Observer func(Change)

// ============================================================================
// Store
// ============================================================================

// Store is the canonical per-room state. Every mutation is serialized under
// one lock, and every mutation that changes a room's message list installs
// a new slice and a new room map, so a slice returned by Messages is never
// modified afterwards and observers can detect change by identity.
type Store struct {
	opts    StoreOptions
	log     zerolog.Logger
	metrics *Metrics

	mu          sync.Mutex
	messages    map[string][]Message
	members     map[string][]string
	rooms       []Room
	currentRoom string
	loading     map[string]map[uint64]*reloadGate
	reloadSeq   uint64
	reloadDone  map[string]uint64
	pending     map[string][]*pendingReaction
	version     uint64
	closed      bool

	obsMu     sync.RWMutex
	observers []Observer
}

type reloadGate struct {
	started time.Time
	timer   *time.Timer
}

// NewStore creates an empty store.
func NewStore(opts *StoreOptions) *Store {
	var o StoreOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	s := &Store{
		opts:       o,
		log:        zerolog.Nop(),
		metrics:    o.Metrics,
		messages:   make(map[string][]Message),
		members:    make(map[string][]string),
		loading:    make(map[string]map[uint64]*reloadGate),
		reloadDone: make(map[string]uint64),
		pending:    make(map[string][]*pendingReaction),
	}
	if o.Logger != nil {
		s.log = o.Logger.With().Str("component", "store").Logger()
	}
	return s
}

// CurrentUserID returns the user the store renders for.
func (s *Store) CurrentUserID() string { return s.opts.CurrentUserID }

// Subscribe registers an observer.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, c := range changes {
		for _, o := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error().Interface("panic", r).Msg("store observer panicked")
					}
				}()
				o(c)
			}()
		}
	}
}

// Close stops every pending timer. The state stays readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for roomID := range s.loading {
		s.clearReloadsLocked(roomID)
	}
	for id, queue := range s.pending {
		for _, p := range queue {
			p.stop()
		}
		delete(s.pending, id)
	}
}

// ── Reads ───────────────────────────────────────────────

// Messages returns the room's messages ordered by creation time. The slice
// is shared and must not be modified.
func (s *Store) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[roomID]
}

// AllMessages returns the room → messages map. The map and its slices are
// shared and must not be modified.
func (s *Store) AllMessages() map[string][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Message looks up a message by permanent id or temp id.
func (s *Store) Message(roomID, key string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[roomID]
	if i := indexByID(list, key); i >= 0 {
		return list[i], true
	}
	if i := indexByTempID(list, key); i >= 0 {
		return list[i], true
	}
	return Message{}, false
}

// Members returns the room's member ids.
func (s *Store) Members(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[roomID]
}

// IsMember reports whether userID is a known member of the room.
func (s *Store) IsMember(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.members[roomID], userID)
}

// Rooms returns the room list.
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms
}

// CurrentRoom returns the room the user is looking at, if any.
func (s *Store) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom
}

// Version returns the number of committed mutations.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Reloading reports whether the room's loading gate is raised.
func (s *Store) Reloading(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loading[roomID]) > 0
}

// PendingReactions returns how many reaction updates wait for their message.
func (s *Store) PendingReactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.pending {
		n += len(q)
	}
	return n
}

// ── Internal commit helpers ─────────────────────────────

func (s *Store) bump(roomID string, kind ChangeKind) Change {
	s.version++
	return Change{RoomID: roomID, Kind: kind, Version: s.version}
}

// putRoomLocked installs a new message slice for the room inside a new map.
func (s *Store) putRoomLocked(roomID string, list []Message) Change {
	next := make(map[string][]Message, len(s.messages)+1)
	for k, v := range s.messages {
		next[k] = v
	}
	next[roomID] = list
	s.messages = next
	return s.bump(roomID, ChangeMessages)
}

func (s *Store) dropRoomLocked(roomID string) (Change, bool) {
	if _, ok := s.messages[roomID]; !ok {
		return Change{}, false
	}
	next := make(map[string][]Message, len(s.messages))
	for k, v := range s.messages {
		if k != roomID {
			next[k] = v
		}
	}
	s.messages = next
	return s.bump(roomID, ChangeMessages), true
}

func (s *Store) putMembersLocked(roomID string, members []string) Change {
	next := make(map[string][]string, len(s.members)+1)
	for k, v := range s.members {
		next[k] = v
	}
	next[roomID] = members
	s.members = next
	return s.bump(roomID, ChangeMembers)
}

// inferMemberLocked adds a sender seen in traffic to the room's members.
func (s *Store) inferMemberLocked(roomID, userID string) (Change, bool) {
	if userID == "" || contains(s.members[roomID], userID) {
		return Change{}, false
	}
	current := s.members[roomID]
	next := make([]string, len(current), len(current)+1)
	copy(next, current)
	next = append(next, userID)
	return s.putMembersLocked(roomID, next), true
}

// ── Rooms & membership ──────────────────────────────────

// SetRoomMembers replaces the room's member list.
func (s *Store) SetRoomMembers(roomID string, members []string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	c := s.putMembersLocked(roomID, append([]string(nil), members...))
	s.mu.Unlock()
	s.notify([]Change{c})
}

// AddRoomMember adds one member if absent.
func (s *Store) AddRoomMember(roomID, userID string) {
	s.mu.Lock()
	c, ok := s.inferMemberLocked(roomID, userID)
	s.mu.Unlock()
	if ok {
		s.notify([]Change{c})
	}
}

// SetRooms replaces the room list.
func (s *Store) SetRooms(rooms []Room) {
	s.mu.Lock()
	s.rooms = append([]Room(nil), rooms...)
	c := s.bump("", ChangeRooms)
	s.mu.Unlock()
	s.notify([]Change{c})
}

// AddRoom inserts or replaces a room in the list.
func (s *Store) AddRoom(room Room) {
	s.mu.Lock()
	next := make([]Room, 0, len(s.rooms)+1)
	for _, r := range s.rooms {
		if r.ID != room.ID {
			next = append(next, r)
		}
	}
	s.rooms = append(next, room)
	c := s.bump(room.ID, ChangeRooms)
	s.mu.Unlock()
	s.notify([]Change{c})
}

// RemoveRoom drops the room, its messages, members, gate and queued
// reaction updates.
func (s *Store) RemoveRoom(roomID string) {
	s.mu.Lock()
	var changes []Change

	next := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.ID != roomID {
			next = append(next, r)
		}
	}
	if len(next) != len(s.rooms) {
		s.rooms = next
		changes = append(changes, s.bump(roomID, ChangeRooms))
	}

	for _, m := range s.messages[roomID] {
		if m.ID != "" {
			s.dropPendingLocked(m.ID)
		}
	}
	for id, queue := range s.pending {
		if len(queue) > 0 && queue[0].event.RoomID == roomID {
			s.dropPendingLocked(id)
		}
	}
	if c, ok := s.dropRoomLocked(roomID); ok {
		changes = append(changes, c)
	}
	if _, ok := s.members[roomID]; ok {
		nextMembers := make(map[string][]string, len(s.members))
		for k, v := range s.members {
			if k != roomID {
				nextMembers[k] = v
			}
		}
		s.members = nextMembers
		changes = append(changes, s.bump(roomID, ChangeMembers))
	}
	s.clearReloadsLocked(roomID)
	delete(s.reloadDone, roomID)
	if s.currentRoom == roomID {
		s.currentRoom = ""
	}
	s.mu.Unlock()
	s.notify(changes)
}

// SetCurrentRoom records the room the user is looking at.
func (s *Store) SetCurrentRoom(roomID string) {
	s.mu.Lock()
	s.currentRoom = roomID
	s.mu.Unlock()
}

// ClearRoomMessages forgets the room's history.
func (s *Store) ClearRoomMessages(roomID string) {
	s.mu.Lock()
	c, ok := s.dropRoomLocked(roomID)
	s.mu.Unlock()
	if ok {
		s.notify([]Change{c})
	}
}

// Clear resets all state (e.g. on logout).
func (s *Store) Clear() {
	s.mu.Lock()
	for roomID := range s.loading {
		s.clearReloadsLocked(roomID)
	}
	for id := range s.pending {
		s.dropPendingLocked(id)
	}
	s.messages = make(map[string][]Message)
	s.members = make(map[string][]string)
	s.reloadDone = make(map[string]uint64)
	s.rooms = nil
	s.currentRoom = ""
	changes := []Change{
		s.bump("", ChangeMessages),
		s.bump("", ChangeMembers),
		s.bump("", ChangeRooms),
	}
	s.mu.Unlock()
	s.notify(changes)
}

// ============================================================================
// Loading Gate
// ============================================================================

// ReloadToken identifies one outstanding reload of a room.
type ReloadToken struct {
	RoomID string
	seq    uint64
}

// BeginReload raises the room's loading gate for one reload. Live confirmed
// messages for the room are dropped while any reload of it is outstanding.
// The reload ends with CompleteReload or EndReload on the returned token,
// or when ReloadGateTimeout elapses.
func (s *Store) BeginReload(roomID string) ReloadToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadSeq++
	tok := ReloadToken{RoomID: roomID, seq: s.reloadSeq}
	if s.closed {
		return tok
	}
	g := &reloadGate{started: time.Now()}
	g.timer = time.AfterFunc(s.opts.ReloadGateTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.loading[roomID][tok.seq] == g {
			s.releaseReloadLocked(tok)
			s.log.Warn().Str("room", roomID).Dur("after", time.Since(g.started)).Msg("reload gate released by timeout")
		}
	})
	gates := s.loading[roomID]
	if gates == nil {
		gates = make(map[uint64]*reloadGate)
		s.loading[roomID] = gates
	}
	gates[tok.seq] = g
	return tok
}

// CompleteReload installs the fetched history of the reload and ends it.
// A result older than one already installed for the room is discarded.
func (s *Store) CompleteReload(tok ReloadToken, fetched []Message) {
	s.mu.Lock()
	var changes []Change
	if tok.seq > s.reloadDone[tok.RoomID] {
		s.reloadDone[tok.RoomID] = tok.seq
		changes = s.setMessagesLocked(tok.RoomID, fetched)
	} else {
		s.log.Debug().Str("room", tok.RoomID).Msg("stale reload result discarded")
	}
	s.releaseReloadLocked(tok)
	s.mu.Unlock()
	s.notify(changes)
}

// EndReload ends the reload without touching messages, for failed reloads.
func (s *Store) EndReload(tok ReloadToken) {
	s.mu.Lock()
	s.releaseReloadLocked(tok)
	s.mu.Unlock()
}

func (s *Store) releaseReloadLocked(tok ReloadToken) {
	gates := s.loading[tok.RoomID]
	if g, ok := gates[tok.seq]; ok {
		g.timer.Stop()
		delete(gates, tok.seq)
	}
	if len(gates) == 0 {
		delete(s.loading, tok.RoomID)
	}
}

func (s *Store) clearReloadsLocked(roomID string) {
	for _, g := range s.loading[roomID] {
		g.timer.Stop()
	}
	delete(s.loading, roomID)
}

// ============================================================================
// Helpers
// ============================================================================

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func indexByID(list []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByTempID(list []Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range list {
		if list[i].TempID == tempID {
			return i
		}
	}
	return -1
}
