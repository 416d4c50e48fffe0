package keysync

import (
	"bytes"
	"sync"

	"github.com/brave/nitro-keysync/errs"
)

// SecretState is the pool's secret: an opaque byte sequence whose meaning is
// outside the protocol's concern (spec.md §3). This repository never
// interprets its contents beyond copying, sealing, and comparing it.
type SecretState []byte

// SecretStateStore holds the pool's secret state and enforces its lifetime
// guarantees: a Leader may export the current state any number of times
// (snapshot semantics — §5, "read-only during leader-side sessions"), while
// a Follower may install state exactly once per enclave lifetime (§5, "is
// written exactly once in the follower's lifetime").
//
// This generalizes the teacher's enclaveKeys: the same thread-safe
// getter/setter shape, narrowed from three named byte slices
// (NitridingKey/NitridingCert/AppKeys) to the protocol's single opaque
// SecretState, plus the install-once guard spec.md §7 calls out under
// StateError.
type SecretStateStore struct {
	mu        sync.RWMutex
	state     SecretState
	installed bool
}

// NewSecretStateStore constructs a store. Passing a non-nil genesis marks
// the store as already holding state (used on the Leader side, where state
// exists from pool genesis); passing nil leaves it empty, ready for a
// Follower's one Install call.
func NewSecretStateStore(genesis SecretState) *SecretStateStore {
	s := &SecretStateStore{}
	if genesis != nil {
		s.state = append(SecretState(nil), genesis...)
		s.installed = true
	}
	return s
}

// Export returns a copy of the current secret state for a Leader to seal
// and send to an admitted Follower. Fails with errs.ErrStateUnavailable if
// no state has been installed yet (e.g. a brand new pool with no genesis).
func (s *SecretStateStore) Export() (SecretState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.installed {
		return nil, errs.New(errs.State, "export", errs.ErrStateUnavailable)
	}
	return append(SecretState(nil), s.state...), nil
}

// Install writes newly-received secret state into the store. It may
// succeed at most once per store lifetime; a second call fails with
// errs.ErrAlreadyInstalled so a compromised or confused Follower cannot be
// tricked into silently overwriting state it already admitted with.
func (s *SecretStateStore) Install(state SecretState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installed {
		return errs.New(errs.State, "install", errs.ErrAlreadyInstalled)
	}
	s.state = append(SecretState(nil), state...)
	s.installed = true
	return nil
}

// Installed reports whether this store currently holds state.
func (s *SecretStateStore) Installed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installed
}

// equal reports whether two stores currently hold byte-identical state.
// Used by tests to assert the end-to-end round trip of spec.md §8's happy
// path scenario.
func (s *SecretStateStore) equal(other *SecretStateStore) bool {
	s.mu.RLock()
	other.mu.RLock()
	defer s.mu.RUnlock()
	defer other.mu.RUnlock()

	return s.installed == other.installed && bytes.Equal(s.state, other.state)
}
