package room

import (
	"context"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Every presence broadcast carries the participant's complete media state.
// Receivers overwrite their copy, so replays and duplicates are harmless.

// SetMediaState folds patch into the caller's media state and broadcasts
// the result to the whole room, the caller included.
func (c *Coordinator) SetMediaState(ctx context.Context, caller Caller, patch classroom.MediaStatePatch) (classroom.MediaState, error) {
	return c.updateMedia(ctx, caller, classroom.TypeMediaState, func(m *classroom.Message, s *classroom.MediaState) {
		*s = patch.Apply(*s)
	})
}

// SetHandRaised raises or lowers the caller's hand.
func (c *Coordinator) SetHandRaised(ctx context.Context, caller Caller, raised bool) (classroom.MediaState, error) {
	typ := classroom.TypeHandLowered
	if raised {
		typ = classroom.TypeHandRaised
	}
	return c.updateMedia(ctx, caller, typ, func(_ *classroom.Message, s *classroom.MediaState) {
		s.IsHandRaised = raised
	})
}

// SetSpeakingLevel records the caller's voice activity level, clamped to
// [0, 1].
func (c *Coordinator) SetSpeakingLevel(ctx context.Context, caller Caller, level float64) (classroom.MediaState, error) {
	level = classroom.ClampLevel(level)
	return c.updateMedia(ctx, caller, classroom.TypeSpeakingLevel, func(m *classroom.Message, s *classroom.MediaState) {
		s.SpeakingLevel = level
		m.Level = &level
	})
}

func (c *Coordinator) updateMedia(ctx context.Context, caller Caller, typ classroom.MessageType, fn func(*classroom.Message, *classroom.MediaState)) (classroom.MediaState, error) {
	return call(ctx, c, func() (classroom.MediaState, error) {
		m, err := c.member(caller)
		if err != nil {
			return classroom.MediaState{}, err
		}
		msg := &classroom.Message{Type: typ, UserID: caller.UserID}
		fn(msg, &m.p.MediaState)
		state := m.p.MediaState
		msg.MediaState = &state
		c.broadcast(msg)
		return state, nil
	})
}

// SetPresenter starts or stops the caller's screen share. Starting while
// someone else presents pre-empts them: the room sees screen-share-stopped
// for the old presenter, then screen-share-started for the new one.
// Stopping when not presenting is a no-op.
func (c *Coordinator) SetPresenter(ctx context.Context, caller Caller, active bool) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		m, err := c.member(caller)
		if err != nil {
			return struct{}{}, err
		}
		switch {
		case !active:
			if c.presenter == caller.UserID {
				c.stopPresenting(caller.UserID, "")
			}
		case c.presenter == caller.UserID:
			// Already presenting.
		default:
			if c.presenter != "" {
				c.log.Info("screen share pre-empted", "previous", c.presenter, "user_id", caller.UserID)
				c.stopPresenting(c.presenter, "")
			}
			c.presenter = caller.UserID
			m.p.MediaState.IsScreenSharing = true
			state := m.p.MediaState
			c.broadcast(&classroom.Message{
				Type:       classroom.TypeScreenShareStarted,
				UserID:     caller.UserID,
				MediaState: &state,
			})
		}
		return struct{}{}, nil
	})
	return err
}

// stopPresenting clears the presenter slot held by userID and tells every
// member but except.
func (c *Coordinator) stopPresenting(userID, except string) {
	c.presenter = ""
	msg := &classroom.Message{Type: classroom.TypeScreenShareStopped, UserID: userID}
	if m, ok := c.members[userID]; ok {
		m.p.MediaState.IsScreenSharing = false
		state := m.p.MediaState
		msg.MediaState = &state
	}
	c.broadcastExcept(except, msg)
}
