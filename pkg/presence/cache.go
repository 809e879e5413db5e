// Package presence keeps a client's view of a room: who is present, their
// media state, the presenter, chat and the current poll.
//
// The coordinator always broadcasts a participant's complete media state,
// so the cache overwrites instead of merging. A client that missed earlier
// updates converges on the next one it receives.
package presence

import (
	"slices"
	"strings"
	"sync"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// DefaultChatLimit is the number of chat messages kept when no limit is set.
const DefaultChatLimit = 200

// Cache is safe for concurrent use.
type Cache struct {
	chatLimit int

	mu           sync.RWMutex
	self         string
	participants map[string]classroom.Participant
	presenterID  string
	poll         *classroom.Poll
	chat         []classroom.ChatMessage
	lastSeq      uint64
}

// New creates an empty cache keeping at most chatLimit chat messages.
func New(chatLimit int) *Cache {
	if chatLimit <= 0 {
		chatLimit = DefaultChatLimit
	}
	return &Cache{
		chatLimit:    chatLimit,
		participants: make(map[string]classroom.Participant),
	}
}

// Apply folds a server message into the cache. It reports whether the
// message changed the room view; non-room messages return false.
func (c *Cache) Apply(m *classroom.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Seq > c.lastSeq {
		c.lastSeq = m.Seq
	}

	switch m.Type {
	case classroom.TypeJoined:
		if m.Snapshot == nil {
			return false
		}
		c.reset(m.Snapshot)
	case classroom.TypeParticipantJoined:
		if m.Participant == nil {
			return false
		}
		c.participants[m.Participant.UserID] = *m.Participant
	case classroom.TypeParticipantLeft:
		if _, ok := c.participants[m.UserID]; !ok {
			return false
		}
		delete(c.participants, m.UserID)
		if c.presenterID == m.UserID {
			c.presenterID = ""
		}
	case classroom.TypeMediaState:
		return m.MediaState != nil && c.update(m.UserID, func(p *classroom.Participant) {
			p.MediaState = *m.MediaState
		})
	case classroom.TypeHandRaised, classroom.TypeHandLowered:
		raised := m.Type == classroom.TypeHandRaised
		return c.update(m.UserID, func(p *classroom.Participant) {
			if !overwrite(p, m) {
				p.MediaState.IsHandRaised = raised
			}
		})
	case classroom.TypeSpeakingLevel:
		if m.MediaState == nil && m.Level == nil {
			return false
		}
		return c.update(m.UserID, func(p *classroom.Participant) {
			if !overwrite(p, m) {
				p.MediaState.SpeakingLevel = classroom.ClampLevel(*m.Level)
			}
		})
	case classroom.TypeScreenShareStarted:
		if prev, ok := c.participants[c.presenterID]; ok && c.presenterID != m.UserID {
			prev.MediaState.IsScreenSharing = false
			c.participants[c.presenterID] = prev
		}
		c.presenterID = m.UserID
		c.update(m.UserID, func(p *classroom.Participant) {
			if !overwrite(p, m) {
				p.MediaState.IsScreenSharing = true
			}
		})
	case classroom.TypeScreenShareStopped:
		if c.presenterID == m.UserID {
			c.presenterID = ""
		}
		c.update(m.UserID, func(p *classroom.Participant) {
			if !overwrite(p, m) {
				p.MediaState.IsScreenSharing = false
			}
		})
	case classroom.TypeChatMessage:
		if m.Chat == nil {
			return false
		}
		c.appendChat(*m.Chat)
	case classroom.TypePollStarted, classroom.TypePollUpdated, classroom.TypePollEnded:
		if m.Poll == nil {
			return false
		}
		c.poll = m.Poll.Clone()
	default:
		return false
	}
	return true
}

func (c *Cache) reset(s *classroom.JoinSnapshot) {
	c.self = s.Self.UserID
	c.participants = make(map[string]classroom.Participant, len(s.Roster)+1)
	for _, p := range s.Roster {
		c.participants[p.UserID] = p
	}
	c.participants[s.Self.UserID] = s.Self
	c.presenterID = s.PresenterID
	c.poll = s.Poll.Clone()
	c.chat = nil
	for _, msg := range s.ChatHistory {
		c.appendChat(msg)
	}
}

func (c *Cache) update(userID string, fn func(*classroom.Participant)) bool {
	p, ok := c.participants[userID]
	if !ok {
		return false
	}
	fn(&p)
	c.participants[userID] = p
	return true
}

// overwrite replaces p's media state with the full state carried by m. It
// reports false when m carries none, leaving the caller to patch one field.
func overwrite(p *classroom.Participant, m *classroom.Message) bool {
	if m.MediaState == nil {
		return false
	}
	p.MediaState = *m.MediaState
	return true
}

func (c *Cache) appendChat(msg classroom.ChatMessage) {
	c.chat = append(c.chat, msg)
	if over := len(c.chat) - c.chatLimit; over > 0 {
		c.chat = slices.Clone(c.chat[over:])
	}
}

// Self returns the local user id, known after the join snapshot.
func (c *Cache) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Participant returns one member's view.
func (c *Cache) Participant(userID string) (classroom.Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.participants[userID]
	return p, ok
}

// Roster returns all members sorted by user id.
func (c *Cache) Roster() []classroom.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]classroom.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b classroom.Participant) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// PresenterID returns the current presenter, or "".
func (c *Cache) PresenterID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presenterID
}

// Poll returns a copy of the current poll, or nil.
func (c *Cache) Poll() *classroom.Poll {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poll.Clone()
}

// Chat returns a copy of the retained chat history, oldest first.
func (c *Cache) Chat() []classroom.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.chat)
}

// LastSeq returns the highest room sequence number applied.
func (c *Cache) LastSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}
