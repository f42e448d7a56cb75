package mocks

import (
	"sync"

	"github.com/petra-ca/petra/core"
)

// ValidationAuthority records enqueued validation requests instead of
// performing them.
type ValidationAuthority struct {
	mu       sync.Mutex
	requests []core.ValidationRequest
	inflight map[string]bool
}

var _ core.ValidationAuthority = (*ValidationAuthority)(nil)

// NewValidationAuthority returns an empty recording VA.
func NewValidationAuthority() *ValidationAuthority {
	return &ValidationAuthority{inflight: make(map[string]bool)}
}

func (va *ValidationAuthority) Enqueue(req core.ValidationRequest) (bool, error) {
	va.mu.Lock()
	defer va.mu.Unlock()
	if va.inflight[req.ChallengeID] {
		return false, nil
	}
	va.inflight[req.ChallengeID] = true
	va.requests = append(va.requests, req)
	return true, nil
}

// Requests returns a copy of everything enqueued so far.
func (va *ValidationAuthority) Requests() []core.ValidationRequest {
	va.mu.Lock()
	defer va.mu.Unlock()
	out := make([]core.ValidationRequest, len(va.requests))
	copy(out, va.requests)
	return out
}
