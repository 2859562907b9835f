package roomsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a command on the channel for a target. *Manager
// implements it.
type Sender interface {
	Send(ctx context.Context, target Target, cmd *Command) error
}

// ActionsOptions configures Actions.
type ActionsOptions struct {
	// SenderName is put on optimistic messages so they render with a name
	// before the server confirms them.
	SenderName string
	// SendRate and SendBurst bound outbound commands. Zero uses 10/s with
	// a burst of 20.
	SendRate  rate.Limit
	SendBurst int
	Logger    *zerolog.Logger
}

// Actions turns local user actions into an optimistic store mutation plus
// a wire command.
type Actions struct {
	store   *Store
	sender  Sender
	limiter *rate.Limiter
	name    string
	log     zerolog.Logger
	now     func() time.Time
}

// NewActions creates the action builder. store and sender are the only
// shared state it touches.
func NewActions(store *Store, sender Sender, opts *ActionsOptions) *Actions {
	var o ActionsOptions
	if opts != nil {
		o = *opts
	}
	if o.SendRate == 0 {
		o.SendRate = 10
	}
	if o.SendBurst == 0 {
		o.SendBurst = 20
	}
	a := &Actions{
		store:   store,
		sender:  sender,
		limiter: rate.NewLimiter(o.SendRate, o.SendBurst),
		name:    o.SenderName,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	if o.Logger != nil {
		a.log = o.Logger.With().Str("component", "actions").Logger()
	}
	return a
}

// NewTempID returns a fresh client-side message id.
func NewTempID() string {
	return "temp-" + uuid.NewString()
}

// SendMessage adds an optimistic message to the store and sends it, as a
// reply when replyToID is set. An empty tempID is generated. The returned
// temp id identifies the optimistic entry until the server confirms it. On
// a send failure the optimistic entry stays and the error is returned.
func (a *Actions) SendMessage(ctx context.Context, roomID, content, tempID, replyToID string) (string, error) {
	if roomID == "" {
		return "", errors.New("roomsync: send without room")
	}
	if tempID == "" {
		tempID = NewTempID()
	}

	msg := optimisticMessage(roomID, a.store.CurrentUserID(), content, tempID, a.now())
	msg.SenderName = a.name
	msg.ReplyToMessageID = replyToID
	if replyToID != "" {
		if target, ok := a.store.Message(roomID, replyToID); ok && target.Confirmed() {
			msg.ReplyTo = target.preview()
		}
	}
	a.store.AddMessage(msg)

	cmd := &Command{
		Type:    CommandSendMessage,
		RoomID:  roomID,
		Content: content,
		TempID:  tempID,
	}
	if replyToID != "" {
		cmd.Type = CommandReply
		cmd.ReplyToMessageID = replyToID
	}
	if err := a.send(ctx, roomID, cmd); err != nil {
		a.log.Warn().Err(err).Str("room", roomID).Str("temp_id", tempID).Msg("message not sent")
		return tempID, err
	}
	return tempID, nil
}

// SendReaction asks the server to set or, with an empty emoji, remove the
// current user's reaction. The store is only changed when the resulting
// reaction event comes back.
func (a *Actions) SendReaction(ctx context.Context, roomID, messageID, emoji string) error {
	if messageID == "" {
		return errors.New("roomsync: reaction without message")
	}
	cmd := &Command{
		Type:      CommandReaction,
		RoomID:    roomID,
		MessageID: messageID,
		Emoji:     emoji,
		Action:    ReactionAdd,
	}
	if emoji == "" {
		m, ok := a.store.Message(roomID, messageID)
		if !ok || m.CurrentUserReaction == nil {
			return fmt.Errorf("roomsync: no reaction of yours on %s", messageID)
		}
		cmd.Emoji = *m.CurrentUserReaction
		cmd.Action = ReactionRemove
	}
	return a.send(ctx, roomID, cmd)
}

// JoinRoom sends a join control frame on the room's channel.
func (a *Actions) JoinRoom(ctx context.Context, roomID string) error {
	return a.send(ctx, roomID, joinCommand(roomID))
}

func (a *Actions) send(ctx context.Context, roomID string, cmd *Command) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return a.sender.Send(ctx, Target{RoomID: roomID}, cmd)
}
