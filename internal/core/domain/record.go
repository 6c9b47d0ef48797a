package domain

import "time"

// CallRecord is the metadata handed to the external call history store on
// connect and on every terminal transition. Stores upsert by CallID and
// LocalUserID and never replace a final record with a non-final one.
type CallRecord struct {
	CallID          CallID    `json:"call_id"`
	LocalUserID     UserID    `json:"local_user_id"`
	RemoteUserID    UserID    `json:"remote_user_id"`
	Role            Role      `json:"role"`
	Status          Status    `json:"status"`
	Reason          ErrorKind `json:"reason,omitempty"`
	HasVideo        bool      `json:"has_video"`
	CreatedAt       time.Time `json:"created_at"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// Final reports whether the record describes a finished call.
func (r CallRecord) Final() bool {
	return r.Status.Terminal()
}
