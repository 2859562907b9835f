package roomsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Event Tags
// ============================================================================

// Server → client tags.
const (
	EventPong            = "pong"
	EventRoomJoined      = "room.joined"
	EventRoomMembership  = "room.membership"
	EventRoomDeleted     = "room.deleted"
	EventRoomCreated     = "room.created"
	EventMessage         = "message"
	EventReactionCreated = "message.reaction.created"
	EventReactionRemoved = "message.reaction.removed"
	EventReplyCreated    = "message.reply.created"
	EventError           = "error"
)

// Client → server tags.
const (
	CommandJoin        = "join"
	CommandPing        = "ping"
	CommandSendMessage = "message.send"
	CommandReply       = "message.reply"
	CommandReaction    = "message.reaction"
)

// Reaction command actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Envelope is the wire format of every server frame. Control events carry
// a payload, content events carry data.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RoomJoinedPayload confirms a join and lists the current members.
type RoomJoinedPayload struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members,omitempty"`
}

// RoomMembershipPayload is sent when someone joins or leaves a room.
type RoomMembershipPayload struct {
	RoomID  string   `json:"roomId"`
	Action  string   `json:"action"`
	Members []string `json:"members,omitempty"`
}

// RoomDeletedPayload is sent when a room is removed.
type RoomDeletedPayload struct {
	RoomID string `json:"roomId"`
}

// RoomCreatedPayload arrives on the account channel when a room the user
// belongs to is created.
type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
	Room   *Room  `json:"room,omitempty"`
}

// ReactionRecord is one user's reaction as carried by reaction.created.
type ReactionRecord struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ReactionEventData is the data of message.reaction.created/removed.
// Created carries Reaction; removed carries UserID (and usually Emoji).
type ReactionEventData struct {
	MessageID        string          `json:"messageId"`
	RoomID           string          `json:"roomId"`
	Reaction         *ReactionRecord `json:"reaction,omitempty"`
	UserID           string          `json:"userId,omitempty"`
	Emoji            string          `json:"emoji,omitempty"`
	ReactionsSummary []ReactionCount `json:"reactionsSummary"`
}

// actor returns the user the event is about.
func (d *ReactionEventData) actor() string {
	if d.Reaction != nil && d.Reaction.UserID != "" {
		return d.Reaction.UserID
	}
	return d.UserID
}

// ReactionEvent is a decoded reaction event ready to merge.
type ReactionEvent struct {
	Removed bool
	ReactionEventData
}

// ErrorPayload is a non-fatal server error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Commands
// ============================================================================

// Command is a client → server frame. Only the fields relevant to Type are
// set.
type Command struct {
	Type             string `json:"type"`
	RoomID           string `json:"roomId,omitempty"`
	Content          string `json:"content,omitempty"`
	TempID           string `json:"tempId,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	Emoji            string `json:"emoji,omitempty"`
	Action           string `json:"action,omitempty"`
}

func joinCommand(roomID string) *Command {
	return &Command{Type: CommandJoin, RoomID: roomID}
}

func pingCommand() *Command {
	return &Command{Type: CommandPing}
}
