package roomsync

import (
	"time"
)

// pendingReaction is a reaction event whose message has not arrived yet.
type pendingReaction struct {
	event    ReactionEvent
	queuedAt time.Time
	attempt  int
	timer    *time.Timer
}

func (p *pendingReaction) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// enqueuePendingLocked queues ev and schedules its first retry.
func (s *Store) enqueuePendingLocked(ev ReactionEvent) {
	if s.closed {
		return
	}
	queue := s.pending[ev.MessageID]
	if len(queue) >= s.opts.MaxPendingPerMessage {
		s.log.Warn().Str("message", ev.MessageID).Msg("pending reaction queue full, event dropped")
		s.metrics.reaction("dropped")
		return
	}
	p := &pendingReaction{event: ev, queuedAt: time.Now()}
	s.pending[ev.MessageID] = append(queue, p)
	s.schedulePendingLocked(p)

	s.log.Debug().Str("message", ev.MessageID).Str("room", ev.RoomID).Msg("reaction for unknown message queued")
	s.metrics.reaction("queued")
}

func (s *Store) schedulePendingLocked(p *pendingReaction) {
	delays := s.opts.PendingRetryDelays
	wait := delays[p.attempt] - time.Since(p.queuedAt)
	if wait < 0 {
		wait = 0
	}
	p.timer = time.AfterFunc(wait, func() { s.retryPending(p) })
}

// retryPending runs on a timer goroutine.
func (s *Store) retryPending(p *pendingReaction) {
	s.mu.Lock()
	if s.closed || !s.isPendingLocked(p) {
		s.mu.Unlock()
		return
	}
	changes, ok := s.applyReactionLocked(&p.event)
	dropped := false
	switch {
	case ok:
		s.removePendingLocked(p)
		s.log.Debug().Str("message", p.event.MessageID).Int("attempt", p.attempt+1).Msg("queued reaction applied")
	case p.attempt+1 >= len(s.opts.PendingRetryDelays):
		s.removePendingLocked(p)
		dropped = true
		s.log.Debug().Str("message", p.event.MessageID).Dur("waited", time.Since(p.queuedAt)).Msg("queued reaction dropped, message never arrived")
	default:
		p.attempt++
		s.schedulePendingLocked(p)
	}
	s.mu.Unlock()

	if ok {
		s.metrics.reaction("applied")
	}
	if dropped {
		s.metrics.reaction("dropped")
	}
	s.notify(changes)
}

// replayPendingLocked applies every queued update for a message that just
// arrived, in arrival order.
func (s *Store) replayPendingLocked(messageID string) []Change {
	queue := s.pending[messageID]
	if len(queue) == 0 {
		return nil
	}
	delete(s.pending, messageID)

	var changes []Change
	for _, p := range queue {
		p.stop()
		c, ok := s.applyReactionLocked(&p.event)
		if !ok {
			continue
		}
		changes = append(changes, c...)
		s.metrics.reaction("applied")
	}
	return changes
}

func (s *Store) isPendingLocked(p *pendingReaction) bool {
	for _, q := range s.pending[p.event.MessageID] {
		if q == p {
			return true
		}
	}
	return false
}

func (s *Store) removePendingLocked(p *pendingReaction) {
	queue := s.pending[p.event.MessageID]
	next := make([]*pendingReaction, 0, len(queue))
	for _, q := range queue {
		if q != p {
			next = append(next, q)
		}
	}
	if len(next) == 0 {
		delete(s.pending, p.event.MessageID)
		return
	}
	s.pending[p.event.MessageID] = next
}

func (s *Store) dropPendingLocked(messageID string) {
	for _, p := range s.pending[messageID] {
		p.stop()
	}
	delete(s.pending, messageID)
}
