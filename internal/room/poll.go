package room

import (
	"context"
	"fmt"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Poll limits.
const (
	minPollOptions = 2
	maxPollOptions = 10
	maxPollRunes   = 300
)

// StartPoll opens a new poll. Only instructors may start polls; an open
// poll is ended (poll-ended) before the new one is announced.
func (c *Coordinator) StartPoll(ctx context.Context, caller Caller, question string, options []string) (*classroom.Poll, error) {
	question, err := cleanText(question, maxPollRunes)
	if err != nil {
		return nil, fmt.Errorf("poll question: %w", err)
	}
	if n := len(options); n < minPollOptions || n > maxPollOptions {
		return nil, fmt.Errorf("%w: a poll needs %d to %d options, got %d", ErrBadRequest, minPollOptions, maxPollOptions, n)
	}
	opts := make([]string, len(options))
	for i, o := range options {
		if opts[i], err = cleanText(o, maxPollRunes); err != nil {
			return nil, fmt.Errorf("poll option %d: %w", i, err)
		}
	}

	return call(ctx, c, func() (*classroom.Poll, error) {
		m, err := c.member(caller)
		if err != nil {
			return nil, err
		}
		if m.p.Role != classroom.RoleInstructor {
			return nil, fmt.Errorf("%w: only instructors can start polls", ErrForbidden)
		}
		if c.poll != nil && c.poll.Open {
			c.endPoll()
		}
		c.poll = &classroom.Poll{
			ID:        c.newID(),
			Question:  question,
			Options:   opts,
			Tallies:   make([]int, len(opts)),
			CreatedBy: caller.UserID,
			Open:      true,
			StartedAt: c.now(),
		}
		c.votes = make(map[string]int)
		c.log.Info("poll started", "poll_id", c.poll.ID, "user_id", caller.UserID, "options", len(opts))
		c.broadcast(&classroom.Message{Type: classroom.TypePollStarted, UserID: caller.UserID, Poll: c.poll.Clone()})
		return c.poll.Clone(), nil
	})
}

// Vote records the caller's choice in the open poll. Voting again replaces
// the earlier vote.
func (c *Coordinator) Vote(ctx context.Context, caller Caller, pollID string, option int) (*classroom.Poll, error) {
	return call(ctx, c, func() (*classroom.Poll, error) {
		if _, err := c.member(caller); err != nil {
			return nil, err
		}
		switch {
		case c.poll == nil || c.poll.ID != pollID:
			return nil, fmt.Errorf("%w: unknown poll %q", ErrBadRequest, pollID)
		case !c.poll.Open:
			return nil, fmt.Errorf("%w: poll %q is closed", ErrBadRequest, pollID)
		case option < 0 || option >= len(c.poll.Options):
			return nil, fmt.Errorf("%w: option %d out of range", ErrBadRequest, option)
		}
		c.votes[caller.UserID] = option
		c.tally()
		c.broadcast(&classroom.Message{Type: classroom.TypePollUpdated, Poll: c.poll.Clone()})
		return c.poll.Clone(), nil
	})
}

// EndPoll closes the open poll. The final result stays visible in join
// snapshots until the next poll starts.
func (c *Coordinator) EndPoll(ctx context.Context, caller Caller, pollID string) (*classroom.Poll, error) {
	return call(ctx, c, func() (*classroom.Poll, error) {
		m, err := c.member(caller)
		if err != nil {
			return nil, err
		}
		if m.p.Role != classroom.RoleInstructor {
			return nil, fmt.Errorf("%w: only instructors can end polls", ErrForbidden)
		}
		if c.poll == nil || c.poll.ID != pollID || !c.poll.Open {
			return nil, fmt.Errorf("%w: no open poll %q", ErrBadRequest, pollID)
		}
		c.endPoll()
		return c.poll.Clone(), nil
	})
}

func (c *Coordinator) endPoll() {
	c.poll.Open = false
	c.log.Info("poll ended", "poll_id", c.poll.ID, "votes", len(c.votes))
	c.broadcast(&classroom.Message{Type: classroom.TypePollEnded, Poll: c.poll.Clone()})
}

func (c *Coordinator) tally() {
	clear(c.poll.Tallies)
	for _, opt := range c.votes {
		c.poll.Tallies[opt]++
	}
}
