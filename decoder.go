package roomsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// OnServerError receives the message of every `error` frame.
	OnServerError func(target Target, message string)
	// OnRoomCreated receives room.created frames from the account channel.
	OnRoomCreated func(RoomCreatedPayload)
	// OnRoomDeleted is called after a room.deleted frame removed the room.
	OnRoomDeleted func(roomID string)

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Decoder turns inbound frames into store mutations. It never panics and
// never asks the transport to close: bad frames are dropped and reported.
type Decoder struct {
	store   *Store
	opts    DecoderOptions
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewDecoder creates a decoder feeding store.
func NewDecoder(store *Store, opts *DecoderOptions) *Decoder {
	var o DecoderOptions
	if opts != nil {
		o = *opts
	}
	d := &Decoder{
		store:   store,
		opts:    o,
		log:     zerolog.Nop(),
		metrics: o.Metrics,
		now:     time.Now,
	}
	if o.Logger != nil {
		d.log = o.Logger.With().Str("component", "decoder").Logger()
	}
	return d
}

// Handle is a FrameHandler. Errors are logged, never returned.
func (d *Decoder) Handle(target Target, frame []byte) {
	if err := d.dispatch(target, frame); err != nil {
		d.log.Warn().Err(err).Str("channel", target.String()).Msg("frame dropped")
	}
}

// Dispatch decodes one frame and applies it to the store. A frame that
// cannot be applied is reported as an error wrapping ErrMalformedFrame.
func (d *Decoder) Dispatch(frame []byte) error {
	return d.dispatch(AccountTarget, frame)
}

func (d *Decoder) dispatch(target Target, frame []byte) error {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return d.malformed("parse", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}

	switch env.Type {
	case EventPong:
		return nil

	case EventRoomJoined:
		var p RoomJoinedPayload
		if err := d.decode(env.Payload, &p); err != nil {
			return err
		}
		if p.RoomID == "" {
			return d.missing(env.Type, "roomId")
		}
		d.log.Debug().Str("room", p.RoomID).Int("members", len(p.Members)).Msg("joined room")
		if p.Members != nil {
			d.store.SetRoomMembers(p.RoomID, p.Members)
		}

	case EventRoomMembership:
		var p RoomMembershipPayload
		if err := d.decode(env.Payload, &p); err != nil {
			return err
		}
		if p.RoomID == "" {
			return d.missing(env.Type, "roomId")
		}
		d.log.Debug().Str("room", p.RoomID).Str("action", p.Action).Msg("membership changed")
		if p.Members != nil {
			d.store.SetRoomMembers(p.RoomID, p.Members)
		}

	case EventRoomDeleted:
		var p RoomDeletedPayload
		if err := d.decode(env.Payload, &p); err != nil {
			return err
		}
		if p.RoomID == "" {
			return d.missing(env.Type, "roomId")
		}
		d.log.Info().Str("room", p.RoomID).Msg("room deleted")
		d.store.RemoveRoom(p.RoomID)
		if d.opts.OnRoomDeleted != nil {
			d.opts.OnRoomDeleted(p.RoomID)
		}

	case EventRoomCreated:
		var p RoomCreatedPayload
		if err := d.decode(env.Payload, &p); err != nil {
			return err
		}
		if p.RoomID == "" && p.Room != nil {
			p.RoomID = p.Room.ID
		}
		if p.RoomID == "" {
			return d.missing(env.Type, "roomId")
		}
		if p.Room != nil {
			d.store.AddRoom(*p.Room)
		}
		if d.opts.OnRoomCreated != nil {
			d.opts.OnRoomCreated(p)
		}

	case EventMessage:
		var m Message
		if err := d.decode(env.Data, &m); err != nil {
			return err
		}
		if err := d.validateMessage(env.Type, &m); err != nil {
			return err
		}
		d.store.AddMessage(m)

	case EventReplyCreated:
		var r struct {
			Message
			MessageID string `json:"messageId"`
		}
		if err := d.decode(env.Data, &r); err != nil {
			return err
		}
		m := r.Message
		if m.ID == "" {
			m.ID = r.MessageID
		}
		if err := d.validateMessage(env.Type, &m); err != nil {
			return err
		}
		d.store.AddMessage(m)

	case EventReactionCreated, EventReactionRemoved:
		var ev ReactionEvent
		if err := d.decode(env.Data, &ev.ReactionEventData); err != nil {
			return err
		}
		if ev.MessageID == "" {
			return d.missing(env.Type, "messageId")
		}
		if ev.RoomID == "" {
			return d.missing(env.Type, "roomId")
		}
		ev.Removed = env.Type == EventReactionRemoved
		d.store.ApplyReaction(ev)

	case EventError:
		var p ErrorPayload
		if len(env.Payload) > 0 {
			if err := d.decode(env.Payload, &p); err != nil {
				return err
			}
		}
		if p.Message == "" {
			p.Message = "unknown error"
		}
		d.log.Warn().Str("channel", target.String()).Str("message", p.Message).Msg("server error")
		if d.opts.OnServerError != nil {
			d.opts.OnServerError(target, p.Message)
		}

	default:
		d.log.Debug().Str("type", env.Type).Msg("unknown event type ignored")
	}
	return nil
}

func (d *Decoder) decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return d.malformed("empty", fmt.Errorf("%w: missing body", ErrMalformedFrame))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return d.malformed("parse", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	return nil
}

// validateMessage checks the required fields and fills the defaults the
// server may omit.
func (d *Decoder) validateMessage(tag string, m *Message) error {
	switch {
	case m.ID == "":
		return d.missing(tag, "id")
	case m.RoomID == "":
		return d.missing(tag, "roomId")
	case m.SenderID == "":
		return d.missing(tag, "senderId")
	}
	if m.SenderType == "" {
		m.SenderType = SenderHuman
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	return nil
}

func (d *Decoder) missing(tag, field string) error {
	return d.malformed("missing_field", fmt.Errorf("%w: %s without %s", ErrMalformedFrame, tag, field))
}

func (d *Decoder) malformed(reason string, err error) error {
	d.metrics.frameDropped(reason)
	return err
}
