package classroom

// MessageType identifies a wire message.
type MessageType string

// Client → server.
const (
	TypeJoin             MessageType = "join"
	TypeLeave            MessageType = "leave"
	TypeSignal           MessageType = "signal"
	TypeSetMediaState    MessageType = "set-media-state"
	TypeSetHandRaised    MessageType = "set-hand-raised"
	TypeSetPresenter     MessageType = "set-presenter"
	TypeSetSpeakingLevel MessageType = "set-speaking-level"
	TypeChat             MessageType = "chat"
	TypeStartPoll        MessageType = "start-poll"
	TypeVote             MessageType = "vote"
	TypeEndPoll          MessageType = "end-poll"
)

// Server → client. Relayed signals use the payload kind as their type
// ("offer", "answer", "ice-candidate").
const (
	TypeJoined             MessageType = "joined"
	TypeParticipantJoined  MessageType = "participant-joined"
	TypeParticipantLeft    MessageType = "participant-left"
	TypeOffer              MessageType = "offer"
	TypeAnswer             MessageType = "answer"
	TypeICECandidate       MessageType = "ice-candidate"
	TypeTargetNotFound     MessageType = "target-not-found"
	TypeHandRaised         MessageType = "hand-raised"
	TypeHandLowered        MessageType = "hand-lowered"
	TypeMediaState         MessageType = "media-state"
	TypeSpeakingLevel      MessageType = "speaking-level"
	TypeScreenShareStarted MessageType = "screen-share-started"
	TypeScreenShareStopped MessageType = "screen-share-stopped"
	TypeChatMessage        MessageType = "chat-message"
	TypePollStarted        MessageType = "poll-started"
	TypePollUpdated        MessageType = "poll-updated"
	TypePollEnded          MessageType = "poll-ended"
	TypeSuperseded         MessageType = "superseded"
	TypeError              MessageType = "error"
)

// Error codes carried in [ErrorBody.Code].
const (
	CodeNotAuthorized   = "not_authorized"
	CodeRoomUnavailable = "room_unavailable"
	CodeNotJoined       = "not_joined"
	CodeBadRequest      = "bad_request"
	CodeForbidden       = "forbidden"
	CodeInternal        = "internal"
)

// ErrorBody describes a request the server refused.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Request echoes the type of the message that failed.
	Request MessageType `json:"request,omitempty"`
}

// Message is the single envelope used in both directions. Only the fields
// relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// Seq is the per-room broadcast sequence number. Every member observes
	// room events in increasing Seq order.
	Seq uint64 `json:"seq,omitempty"`

	RoomID  string `json:"roomId,omitempty"`
	ClassID string `json:"classId,omitempty"`
	Token   string `json:"token,omitempty"`

	UserID   string `json:"userId,omitempty"`
	From     string `json:"from,omitempty"`
	FromRole Role   `json:"fromRole,omitempty"`
	To       string `json:"to,omitempty"`

	Payload     *SignalPayload   `json:"payload,omitempty"`
	MediaState  *MediaState      `json:"mediaState,omitempty"`
	MediaPatch  *MediaStatePatch `json:"mediaPatch,omitempty"`
	Active      *bool            `json:"active,omitempty"`
	Level       *float64         `json:"level,omitempty"`
	Text        string           `json:"text,omitempty"`
	Participant *Participant     `json:"participant,omitempty"`
	Snapshot    *JoinSnapshot    `json:"snapshot,omitempty"`
	Chat        *ChatMessage     `json:"chat,omitempty"`
	Poll        *Poll            `json:"poll,omitempty"`

	PollID   string   `json:"pollId,omitempty"`
	Option   *int     `json:"option,omitempty"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorMessage builds an error reply for the request type req.
func ErrorMessage(req MessageType, code, msg string) *Message {
	return &Message{Type: TypeError, Error: &ErrorBody{Code: code, Message: msg, Request: req}}
}

// Bool returns a pointer to b, for the optional flag fields of [Message].
func Bool(b bool) *bool { return &b }
