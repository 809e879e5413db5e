// Package classroom defines the domain and wire types shared by the live
// classroom coordinator and the clients that connect to it.
//
// Every type here is a plain value with JSON tags. The same tags drive the
// msgpack codec in package wire, so a field added here is automatically
// available on both encodings.
package classroom

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role is a participant's fixed role for the lifetime of a room membership.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleInstructor || r == RoleStudent
}

// MediaState is the last-known media state of a participant. It is always
// sent and stored whole; receivers overwrite their copy instead of merging.
type MediaState struct {
	CamOn           bool    `json:"camOn"`
	MicOn           bool    `json:"micOn"`
	IsHandRaised    bool    `json:"isHandRaised"`
	IsScreenSharing bool    `json:"isScreenSharing"`
	SpeakingLevel   float64 `json:"speakingLevel"`
}

// MediaStatePatch carries a partial media-state update from a client. Nil
// fields keep their current value. The coordinator folds a patch into the
// full state before broadcasting, so patches never leave the server.
type MediaStatePatch struct {
	CamOn         *bool    `json:"camOn,omitempty"`
	MicOn         *bool    `json:"micOn,omitempty"`
	IsHandRaised  *bool    `json:"isHandRaised,omitempty"`
	SpeakingLevel *float64 `json:"speakingLevel,omitempty"`
}

// Apply returns s with every non-nil field of p applied. Screen sharing is
// not patchable: it is owned by the presenter slot.
func (p MediaStatePatch) Apply(s MediaState) MediaState {
	if p.CamOn != nil {
		s.CamOn = *p.CamOn
	}
	if p.MicOn != nil {
		s.MicOn = *p.MicOn
	}
	if p.IsHandRaised != nil {
		s.IsHandRaised = *p.IsHandRaised
	}
	if p.SpeakingLevel != nil {
		s.SpeakingLevel = ClampLevel(*p.SpeakingLevel)
	}
	return s
}

// Patch returns a patch that sets every patchable field to its value in s.
func (s MediaState) Patch() MediaStatePatch {
	level := s.SpeakingLevel
	return MediaStatePatch{
		CamOn:         &s.CamOn,
		MicOn:         &s.MicOn,
		IsHandRaised:  &s.IsHandRaised,
		SpeakingLevel: &level,
	}
}

// ClampLevel bounds a speaking level to [0, 1].
func ClampLevel(v float64) float64 {
	switch {
	case v < 0 || v != v: // NaN
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Participant is the public roster view of a room member.
type Participant struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Role        Role       `json:"role"`
	MediaState  MediaState `json:"mediaState"`
	JoinedAt    time.Time  `json:"joinedAt"`
}

// ChatKind distinguishes user-authored chat from coordinator notices.
type ChatKind string

const (
	ChatText   ChatKind = "text"
	ChatSystem ChatKind = "system"
)

// ChatMessage is an immutable entry in a room's chat history.
type ChatMessage struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       ChatKind  `json:"kind"`
}

// Poll is the room's current (or most recently closed) poll.
type Poll struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	Tallies   []int     `json:"tallies"`
	CreatedBy string    `json:"createdBy"`
	Open      bool      `json:"open"`
	StartedAt time.Time `json:"startedAt"`
}

// Clone returns a deep copy of p so snapshots never alias coordinator state.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]string(nil), p.Options...)
	c.Tallies = append([]int(nil), p.Tallies...)
	return &c
}

// SignalKind names the three signaling payloads relayed between peers.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// ErrInvalidSignal is returned by [SignalPayload.Validate] for malformed payloads.
var ErrInvalidSignal = errors.New("classroom: invalid signal payload")

// SignalPayload is an offer, answer or ICE candidate. The coordinator relays
// it verbatim; only the peers interpret it.
//
// Generation identifies the sender's link instance. A sender numbers each
// link it creates toward a peer higher than the last, so a receiver can
// tell a recovery offer from a renegotiation of the link it already has.
// Zero means unknown.
type SignalPayload struct {
	Kind        SignalKind                 `json:"kind"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Generation  uint64                     `json:"generation,omitempty"`
}

// Validate checks that the payload is internally consistent: descriptions
// carry the SDP type matching Kind and candidates carry a candidate.
func (p SignalPayload) Validate() error {
	switch p.Kind {
	case SignalOffer, SignalAnswer:
		if p.Description == nil || p.Description.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrInvalidSignal, p.Kind)
		}
		want := webrtc.SDPTypeOffer
		if p.Kind == SignalAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if p.Description.Type != want {
			return fmt.Errorf("%w: %s carries sdp type %s", ErrInvalidSignal, p.Kind, p.Description.Type)
		}
	case SignalICECandidate:
		if p.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, p.Kind)
	}
	return nil
}

// OfferPayload wraps an SDP offer.
func OfferPayload(desc webrtc.SessionDescription) SignalPayload {
	return SignalPayload{Kind: SignalOffer, Description: &desc}
}

// AnswerPayload wraps an SDP answer.
func AnswerPayload(desc webrtc.SessionDescription) SignalPayload {
	return SignalPayload{Kind: SignalAnswer, Description: &desc}
}

// CandidatePayload wraps an ICE candidate.
func CandidatePayload(c webrtc.ICECandidateInit) SignalPayload {
	return SignalPayload{Kind: SignalICECandidate, Candidate: &c}
}

// ICEServer is an ICE server entry handed to clients on join.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// LinkPolicy carries the peer-link timing policy in milliseconds so that all
// clients in a room run identical timers regardless of their language.
type LinkPolicy struct {
	OfferFallbackMillis      int64 `json:"offerFallbackMillis"`
	ICECheckingTimeoutMillis int64 `json:"iceCheckingTimeoutMillis"`
	MinBackoffMillis         int64 `json:"minBackoffMillis"`
	MaxBackoffMillis         int64 `json:"maxBackoffMillis"`
	RecoveryFallbackMillis   int64 `json:"recoveryFallbackMillis"`
	MaxRecoveryAttempts      int   `json:"maxRecoveryAttempts"`
}

// JoinSnapshot is the state a participant receives when admitted.
type JoinSnapshot struct {
	Self        Participant   `json:"self"`
	Roster      []Participant `json:"roster"`
	ChatHistory []ChatMessage `json:"chatHistory"`
	PresenterID string        `json:"presenterId,omitempty"`
	Poll        *Poll         `json:"poll,omitempty"`
	ICEServers  []ICEServer   `json:"iceServers,omitempty"`
	LinkPolicy  *LinkPolicy   `json:"linkPolicy,omitempty"`
}
