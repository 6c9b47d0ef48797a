package domain

import "time"

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusRequesting  Status = "requesting"
	StatusNegotiating Status = "negotiating"
	StatusConnected   Status = "connected"
	StatusEnded       Status = "ended"
	StatusFailed      Status = "failed"
	StatusDeclined    Status = "declined"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed || s == StatusDeclined
}

var transitions = map[Status][]Status{
	StatusIdle:        {StatusRequesting, StatusNegotiating, StatusEnded, StatusFailed},
	StatusRequesting:  {StatusNegotiating, StatusDeclined, StatusEnded, StatusFailed},
	StatusNegotiating: {StatusConnected, StatusEnded, StatusFailed},
	StatusConnected:   {StatusEnded, StatusFailed},
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StreamInfo is a media handle as seen by the core. The tracks themselves
// stay inside the peer connection adapter.
type StreamInfo struct {
	ID    string `json:"id"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

// TransportState mirrors the peer connection state reported by the adapter.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// RemoteTrack describes one inbound media track.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"` // "audio" | "video"
}

type CallSession struct {
	ID           CallID
	LocalUserID  UserID
	RemoteUserID UserID
	Role         Role
	Status       Status
	HasVideo     bool
	Reason       ErrorKind

	LocalStream  *StreamInfo
	RemoteStream *StreamInfo

	AudioMuted    bool
	VideoDisabled bool
	ScreenSharing bool

	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Duration is the connected time, zero if the call never connected.
func (s CallSession) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ConnectedAt)
}

// Record converts the session into the fire-and-forget persistence shape.
func (s CallSession) Record() CallRecord {
	return CallRecord{
		CallID:          s.ID,
		LocalUserID:     s.LocalUserID,
		RemoteUserID:    s.RemoteUserID,
		Role:            s.Role,
		Status:          s.Status,
		Reason:          s.Reason,
		HasVideo:        s.HasVideo,
		CreatedAt:       s.CreatedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: int64(s.Duration() / time.Second),
	}
}

// IncomingCall is what the UI sees when an offer for an unknown call arrives.
type IncomingCall struct {
	CallID     CallID    `json:"call_id"`
	From       UserID    `json:"from"`
	HasVideo   bool      `json:"has_video"`
	ReceivedAt time.Time `json:"received_at"`
}
