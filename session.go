package keysync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/brave/nitro-keysync/errs"
)

// Role distinguishes the two sides of a handshake (spec.md §3, Session).
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// State is the handshake engine's state machine, spec.md §4.4:
// Init → AwaitingPeer1 → AwaitingPeer2 → Installed | Aborted (Follower) /
// Completed | Aborted (Leader).
type State string

const (
	StateInit          State = "init"
	StateAwaitingPeer1 State = "awaiting_peer1"
	StateAwaitingPeer2 State = "awaiting_peer2"
	StateInstalled     State = "installed"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// conn is the minimal byte-stream surface a session needs: a bidirectional
// stream plus a deadline so each receive boundary (spec.md §5,
// "Suspension points") can be bounded.
type conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
	Close() error
}

// eventSink receives structured session-boundary events. logging.go's
// zapEventSink is the production implementation; tests may substitute a
// recording sink. Per spec.md §7, implementations MUST NOT log secret
// material, ciphertexts, nonces, or full attestation bytes — this
// repository's sink only ever receives the fields defined on Event below.
type eventSink interface {
	Event(e Event)
}

// Event is one structured session-boundary log record (spec.md §7: "start,
// peer-verified, authorized, sealed, installed, aborted").
type Event struct {
	SessionID string
	Role      Role
	Name      string // start | peer_verified | authorized | sealed | installed | aborted
	ErrKind   errs.Kind
}

// Deps bundles the three leaf components (Attestation Provider, Committee
// Authorization Oracle, Secret State Store) the Handshake Engine composes,
// per spec.md §2's "root component" description. Each session owns its
// dependencies explicitly, per the design note against global singletons.
type Deps struct {
	Attester attester
	Oracle   *CommitteeOracle
	Store    *SecretStateStore
	Events   eventSink
	TransLog *transparencyLog // optional; nil disables transparency logging
	Metrics  *metrics         // optional; nil disables session metrics
	Timeout  time.Duration    // per-receive deadline; 0 disables deadlines (tests only)
}

// Session tracks one handshake's state for introspection and logging.
type Session struct {
	ID    string
	Role  Role
	State State
}

func (s *Session) transition(to State) { s.State = to }

func (d *Deps) emit(sessionID string, role Role, name string, errKind errs.Kind) {
	if d.Events == nil {
		return
	}
	d.Events.Event(Event{SessionID: sessionID, Role: role, Name: name, ErrKind: errKind})
}

// watchContext arranges for stream's deadline to expire the instant ctx is
// canceled, so a session blocked on a peer read or write aborts identically
// to a Timeout (spec.md §5, "Cancellation from the outside aborts
// identically to Timeout") instead of hanging until Deps.Timeout itself
// elapses, or forever if Timeout is disabled. The returned stop func must
// be deferred by the caller to release the watcher once the session
// finishes on its own.
func watchContext(ctx context.Context, stream conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (d *Deps) setReadDeadline(c conn) error {
	if d.Timeout <= 0 {
		return nil
	}
	if err := c.SetDeadline(time.Now().Add(d.Timeout)); err != nil {
		return errs.New(errs.Transport, "SetDeadline", err)
	}
	return nil
}

// finish records a session's terminal outcome to the transparency log and
// the Prometheus metrics, the two observability sinks that sit alongside
// the structured per-boundary events emit writes.
func (d *Deps) finish(role Role, va *VerifiedAttestation, outcome string, errKind errs.Kind, started time.Time) {
	if d.TransLog != nil {
		d.TransLog.recordFromSession(role, va, outcome)
	}
	if d.Metrics != nil {
		d.Metrics.observeSession(role, outcome, string(errKind), time.Since(started).Seconds())
	}
}

// RunLeader drives the Leader side of one handshake over stream (spec.md
// §4.4, "Leader protocol"). It returns nil only if M3 was sent
// successfully; the stream is always closed before returning.
func RunLeader(ctx context.Context, stream conn, deps *Deps, sessionID string) error {
	sess := &Session{ID: sessionID, Role: RoleLeader, State: StateInit}
	started := time.Now()
	var verified *VerifiedAttestation
	defer func() { _ = stream.Close() }()
	defer watchContext(ctx, stream)()
	deps.emit(sessionID, RoleLeader, "start", "")

	leaderNonce, err := newNonce()
	if err != nil {
		return d1(deps, sess, verified, started, errs.New(errs.Crypto, "generate leader nonce", err))
	}

	if err := deps.setReadDeadline(stream); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if err := writeFrame(stream, leaderNonce[:]); err != nil {
		return d1(deps, sess, verified, started, err)
	}

	sess.transition(StateAwaitingPeer1)
	if err := deps.setReadDeadline(stream); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	m2, err := readFrame(stream)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}

	verified, err = deps.Attester.Verify(m2, leaderNonce, nil)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if len(verified.PublicKey) != boxPublicKeyLen {
		return d1(deps, sess, verified, started, errs.New(errs.Attestation, "follower public_key", errs.ErrMalformedField))
	}
	followerNonce, ok := nonceFromBytes(verified.UserData)
	if !ok {
		return d1(deps, sess, verified, started, errs.New(errs.Attestation, "follower user_data", errs.ErrMalformedField))
	}
	var followerPub [boxPublicKeyLen]byte
	copy(followerPub[:], verified.PublicKey)
	deps.emit(sessionID, RoleLeader, "peer_verified", "")

	ownMeasurements, err := deps.Attester.OwnMeasurements()
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if !verified.Measurements.identical(ownMeasurements) {
		return d1(deps, sess, verified, started, errs.New(errs.Attestation, "peer measurement check", errs.ErrMeasurementMismatch))
	}

	if err := deps.Oracle.AuthorizeAttestation(ctx, verified); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	deps.emit(sessionID, RoleLeader, "authorized", "")

	state, err := deps.Store.Export()
	if err != nil {
		return d1(deps, sess, verified, started, errs.New(errs.State, "export secret state", err))
	}

	envelope, err := seal(state, followerPub)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	h := digest(envelope)
	deps.emit(sessionID, RoleLeader, "sealed", "")

	leaderAtt, err := deps.Attester.Attest(followerNonce, nil, h[:])
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}

	m3, err := encodeM3(envelope, leaderAtt)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if err := writeFrame(stream, m3); err != nil {
		return d1(deps, sess, verified, started, err)
	}

	sess.transition(StateCompleted)
	deps.finish(RoleLeader, verified, "completed", "", started)
	return nil
}

// RunFollower drives the Follower side of one handshake over stream
// (spec.md §4.4, "Follower protocol"). On success, the secret state has
// been installed into deps.Store. The ephemeral key pair is always
// zeroized before returning, on both the success and failure path
// (invariant I4, testable property in §8).
func RunFollower(ctx context.Context, stream conn, deps *Deps, sessionID string) error {
	sess := &Session{ID: sessionID, Role: RoleFollower, State: StateInit}
	started := time.Now()
	var verified *VerifiedAttestation
	defer func() { _ = stream.Close() }()
	defer watchContext(ctx, stream)()
	deps.emit(sessionID, RoleFollower, "start", "")

	kp, err := newEphemeralKeyPair()
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	defer kp.zeroize()

	followerNonce, err := newNonce()
	if err != nil {
		return d1(deps, sess, verified, started, errs.New(errs.Crypto, "generate follower nonce", err))
	}

	sess.transition(StateAwaitingPeer1)
	if err := deps.setReadDeadline(stream); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	m1, err := readFrame(stream)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	leaderNonce, ok := nonceFromBytes(m1)
	if !ok {
		return d1(deps, sess, verified, started, errs.New(errs.Transport, "parse M1", errs.ErrBadFraming))
	}

	followerAtt, err := deps.Attester.Attest(leaderNonce, kp.public[:], followerNonce[:])
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if err := writeFrame(stream, followerAtt); err != nil {
		return d1(deps, sess, verified, started, err)
	}

	sess.transition(StateAwaitingPeer2)
	if err := deps.setReadDeadline(stream); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	m3, err := readFrame(stream)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	envelope, leaderAtt, err := decodeM3(m3)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	h := digest(envelope)

	verified, err = deps.Attester.Verify(leaderAtt, followerNonce, h[:])
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	deps.emit(sessionID, RoleFollower, "peer_verified", "")

	ownMeasurements, err := deps.Attester.OwnMeasurements()
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}
	if !verified.Measurements.identical(ownMeasurements) {
		return d1(deps, sess, verified, started, errs.New(errs.Attestation, "peer measurement check", errs.ErrMeasurementMismatch))
	}

	if err := deps.Oracle.AuthorizeAttestation(ctx, verified); err != nil {
		return d1(deps, sess, verified, started, err)
	}
	deps.emit(sessionID, RoleFollower, "authorized", "")

	plaintext, err := open(envelope, kp.secret)
	if err != nil {
		return d1(deps, sess, verified, started, err)
	}

	if err := deps.Store.Install(plaintext); err != nil {
		return d1(deps, sess, verified, started, errs.New(errs.State, "install secret state", err))
	}

	sess.transition(StateInstalled)
	deps.emit(sessionID, RoleFollower, "installed", "")
	deps.finish(RoleFollower, verified, "installed", "", started)
	return nil
}

// d1 records an "aborted" event tagged with the failure's Kind, mirrors the
// same outcome into the transparency log and metrics, and returns the error
// unchanged, so RunLeader/RunFollower's many error-return sites stay
// one-liners while every abort still gets recorded exactly once.
func d1(deps *Deps, sess *Session, va *VerifiedAttestation, started time.Time, err error) error {
	sess.transition(StateAborted)
	var kind errs.Kind
	if ke, ok := err.(*errs.Error); ok {
		kind = ke.Kind
	} else {
		kind = errs.Internal
	}
	deps.emit(sess.ID, sess.Role, "aborted", kind)
	deps.finish(sess.Role, va, "aborted:"+string(kind), kind, started)
	return fmt.Errorf("%s session %s: %w", sess.Role, sess.ID, err)
}
