package domain

import (
	"github.com/google/uuid"
)

// UserID identifies a local or remote participant. Identity is owned by an
// external collaborator, so the value is opaque here.
type UserID string

// CallID partitions the signaling channel for one call.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id UserID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func (id MessageID) String() string {
	return string(id)
}
