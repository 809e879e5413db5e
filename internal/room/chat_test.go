package room

import (
	"fmt"
	"testing"

	"github.com/classmesh/classmesh/pkg/classroom"
)

func TestChatLog_EvictsOldestFirst(t *testing.T) {
	l := newChatLog(3)
	for i := range 5 {
		l.append(classroom.ChatMessage{ID: fmt.Sprint(i)})
	}
	if l.len() != 3 {
		t.Fatalf("len = %d, want 3", l.len())
	}
	got := l.messages()
	for i, want := range []string{"2", "3", "4"} {
		if got[i].ID != want {
			t.Errorf("messages[%d] = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestChatLog_BelowLimit(t *testing.T) {
	l := newChatLog(10)
	l.append(classroom.ChatMessage{ID: "a"})
	l.append(classroom.ChatMessage{ID: "b"})
	got := l.messages()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("messages = %+v", got)
	}
}

func TestChatLog_MessagesIsACopy(t *testing.T) {
	l := newChatLog(2)
	l.append(classroom.ChatMessage{ID: "a"})
	got := l.messages()
	got[0].ID = "mutated"
	if l.messages()[0].ID != "a" {
		t.Error("messages() aliases the log")
	}
}
