// Package peerlink implements the client-side state machine for one WebRTC
// connection between two room members, and a Manager that keeps one such
// link per remote peer.
//
// The state machine is independent of any particular WebRTC stack: it
// drives an [Engine] (see package pionengine for the pion implementation)
// and sends offers, answers and candidates through a [Signaler]. Which side
// offers, how collisions resolve and how a failed link recovers are all
// decided here so that every client in a room behaves identically.
package peerlink

import (
	"strconv"
	"strings"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Member identifies one end of a link.
type Member struct {
	UserID string
	Role   classroom.Role
}

// CompareIDs orders two user ids. When both parse as base-10 integers they
// compare numerically, otherwise lexically. Distinct ids that parse to the
// same number ("007" and "7") fall back to the lexical order, so only equal
// strings compare equal. It returns -1, 0 or +1.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
	}
	return strings.Compare(a, b)
}

// Initiator returns the user id of the member that creates the first offer.
// An instructor always initiates toward a student. Between equal roles the
// greater id initiates. The result is the same whichever order a and b are
// passed in, so both clients agree without talking to each other.
func Initiator(a, b Member) string {
	if a.Role != b.Role {
		if a.Role == classroom.RoleInstructor {
			return a.UserID
		}
		if b.Role == classroom.RoleInstructor {
			return b.UserID
		}
	}
	if CompareIDs(a.UserID, b.UserID) >= 0 {
		return a.UserID
	}
	return b.UserID
}

// IsInitiator reports whether self is the deterministic initiator toward peer.
func IsInitiator(self, peer Member) bool {
	return Initiator(self, peer) == self.UserID
}
