package room

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// chatLog is a bounded FIFO of chat messages. Appending past the limit
// evicts the oldest message.
type chatLog struct {
	limit int
	buf   []classroom.ChatMessage
	start int
	n     int
}

func newChatLog(limit int) *chatLog {
	if limit <= 0 {
		limit = 1
	}
	return &chatLog{limit: limit, buf: make([]classroom.ChatMessage, limit)}
}

func (l *chatLog) append(m classroom.ChatMessage) {
	if l.n < l.limit {
		l.buf[(l.start+l.n)%l.limit] = m
		l.n++
		return
	}
	l.buf[l.start] = m
	l.start = (l.start + 1) % l.limit
}

func (l *chatLog) len() int { return l.n }

// messages returns the log oldest first, as a copy.
func (l *chatLog) messages() []classroom.ChatMessage {
	out := make([]classroom.ChatMessage, l.n)
	for i := range l.n {
		out[i] = l.buf[(l.start+i)%l.limit]
	}
	return out
}

// cleanText trims s and checks it is valid, non-empty UTF-8 of at most limit
// runes.
func cleanText(s string, limit int) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("%w: empty text", ErrBadRequest)
	case !utf8.ValidString(s):
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrBadRequest)
	case utf8.RuneCountInString(s) > limit:
		return "", fmt.Errorf("%w: text longer than %d characters", ErrBadRequest, limit)
	}
	return s, nil
}
