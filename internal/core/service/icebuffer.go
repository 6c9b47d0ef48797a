package service

import (
	"errors"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// CandidateApplier is the part of the peer connection a buffer drains into.
type CandidateApplier interface {
	AddICECandidate(c domain.ICECandidate) error
}

// CandidateApplierFunc adapts a plain function to CandidateApplier.
type CandidateApplierFunc func(c domain.ICECandidate) error

func (f CandidateApplierFunc) AddICECandidate(c domain.ICECandidate) error {
	return f(c)
}

// IceCandidateBuffer holds candidates that arrived before a remote
// description was set. It is FIFO, scoped to one call and drained exactly
// once. Not safe for concurrent use; the owner serializes access.
type IceCandidateBuffer struct {
	items   []domain.ICECandidate
	drained bool
}

func NewIceCandidateBuffer() *IceCandidateBuffer {
	return &IceCandidateBuffer{}
}

// Push queues c. It returns false once the buffer has been drained, at which
// point the caller must apply candidates directly.
func (b *IceCandidateBuffer) Push(c domain.ICECandidate) bool {
	if b.drained {
		return false
	}
	b.items = append(b.items, c)
	return true
}

func (b *IceCandidateBuffer) Len() int {
	return len(b.items)
}

func (b *IceCandidateBuffer) Drained() bool {
	return b.drained
}

// DrainInto applies every queued candidate in arrival order and clears the
// buffer. A failing candidate does not stop the rest; the failures are
// joined into the returned error. Draining twice applies nothing.
func (b *IceCandidateBuffer) DrainInto(a CandidateApplier) (int, error) {
	if b.drained {
		return 0, nil
	}
	b.drained = true
	items := b.items
	b.items = nil

	var errs []error
	applied := 0
	for _, c := range items {
		if err := a.AddICECandidate(c); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// Reset drops everything without applying. Used on teardown.
func (b *IceCandidateBuffer) Reset() {
	b.items = nil
	b.drained = true
}
