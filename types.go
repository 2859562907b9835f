package roomsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrNoToken is returned when a connection is attempted without credentials.
	ErrNoToken = errors.New("roomsync: no auth token")
	// ErrNotConnected is returned by Send when the socket is not open.
	ErrNotConnected = errors.New("roomsync: not connected")
	// ErrMalformedFrame wraps every decode failure reported by the Decoder.
	ErrMalformedFrame = errors.New("roomsync: malformed frame")
	// ErrClosed is returned after the owning component has been torn down.
	ErrClosed = errors.New("roomsync: closed")
)

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// IsForbidden reports whether err is an HTTP 403 from the API. A 403 right
// after joining a room means the membership has not propagated yet.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 403
}

// ============================================================================
// Message Types
// ============================================================================

// SenderType distinguishes people from agents.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAgent SenderType = "agent"
)

// ReactionCount is one entry of a message's aggregated reaction summary.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// Attachment is a file or media reference carried by a message.
type Attachment struct {
	URL  string         `json:"url"`
	Type string         `json:"type"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ReplyPreview is a denormalized snapshot of the message being replied to.
type ReplyPreview struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	SenderType SenderType `json:"senderType,omitempty"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Message is a chat message. Exactly one of ID (server-confirmed) and
// TempID (optimistic, not yet confirmed) identifies it; a confirmation
// echoing the TempID may briefly carry both.
type Message struct {
	ID                  string          `json:"id,omitempty"`
	TempID              string          `json:"tempId,omitempty"`
	RoomID              string          `json:"roomId"`
	SenderID            string          `json:"senderId"`
	SenderType          SenderType      `json:"senderType,omitempty"`
	SenderName          string          `json:"senderName,omitempty"`
	Content             string          `json:"content"`
	CreatedAt           time.Time       `json:"createdAt"`
	ReplyToMessageID    string          `json:"replyToMessageId,omitempty"`
	ReplyTo             *ReplyPreview   `json:"replyTo,omitempty"`
	ReactionsSummary    []ReactionCount `json:"reactionsSummary,omitempty"`
	CurrentUserReaction *string         `json:"currentUserReaction,omitempty"`
	Attachments         []Attachment    `json:"attachments,omitempty"`
}

// Confirmed reports whether the server has assigned a permanent id.
func (m *Message) Confirmed() bool { return m.ID != "" }

// Optimistic reports whether the message only exists locally so far.
func (m *Message) Optimistic() bool { return m.ID == "" && m.TempID != "" }

// Key returns the identity the store uses for the message.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// preview builds the reply snapshot other messages embed when quoting m.
func (m *Message) preview() *ReplyPreview {
	return &ReplyPreview{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderType: m.SenderType,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// ============================================================================
// Room Types
// ============================================================================

// RoomType is the kind of a room.
type RoomType string

const (
	RoomDM    RoomType = "dm"
	RoomGroup RoomType = "group"
	RoomStage RoomType = "stage"
	RoomAISim RoomType = "ai-sim"
)

// Room is an entry of the account's room list.
type Room struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Type       RoomType  `json:"type"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	Visibility string    `json:"visibility,omitempty"`
	Role       string    `json:"role,omitempty"`
}
