package keysync

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brave/nitro-keysync/errs"
)

// recordingSink collects every Event a session emits, for assertions about
// which boundary a handshake reached before aborting.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Event(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

func testPCRs() map[uint][]byte {
	return map[uint][]byte{0: {1}, 1: {2}, 2: {3}, 4: {4}}
}

func authorizedOracle(t *testing.T, pcrs map[uint][]byte) *CommitteeOracle {
	t.Helper()
	m := measurementsFromPCRs(pcrs)
	chain := newFakeChainReader(false)
	chain.set(m.CodeString(), true)
	chain.set(m.InstanceString(), true)
	oracle, err := NewCommitteeOracle(chain, testRegistryAddr(), 2, 0)
	require.NoError(t, err)
	return oracle
}

func newTestDeps(t *testing.T, oracle *CommitteeOracle, store *SecretStateStore) (*Deps, *Deps, *recordingSink, *recordingSink) {
	t.Helper()
	pcrs := testPCRs()
	leaderSink := &recordingSink{}
	followerSink := &recordingSink{}
	leaderDeps := &Deps{
		Attester: newDummyAttester(pcrs),
		Oracle:   oracle,
		Store:    store,
		Events:   leaderSink,
		TransLog: newTransparencyLog(10),
		Timeout:  5 * time.Second,
	}
	followerDeps := &Deps{
		Attester: newDummyAttester(pcrs),
		Oracle:   oracle,
		Store:    NewSecretStateStore(nil),
		Events:   followerSink,
		TransLog: newTransparencyLog(10),
		Timeout:  5 * time.Second,
	}
	return leaderDeps, followerDeps, leaderSink, followerSink
}

// corruptingConn wraps a net.Conn and flips the last byte of the nth Write
// call, letting a test simulate a bit-flip on the wire for exactly one
// frame without disturbing the rest of the handshake.
type corruptingConn struct {
	net.Conn
	mu       sync.Mutex
	writeNum int
	corruptN int
}

func (c *corruptingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writeNum++
	n := c.writeNum
	c.mu.Unlock()

	if n == c.corruptN && len(p) > 0 {
		cp := append([]byte(nil), p...)
		cp[len(cp)-1] ^= 0xff
		return c.Conn.Write(cp)
	}
	return c.Conn.Write(p)
}

func runHandshake(leaderConn, followerConn net.Conn, leaderDeps, followerDeps *Deps, sessionID string) (leaderErr, followerErr error) {
	return runHandshakeCtx(context.Background(), leaderConn, followerConn, leaderDeps, followerDeps, sessionID)
}

func runHandshakeCtx(ctx context.Context, leaderConn, followerConn net.Conn, leaderDeps, followerDeps *Deps, sessionID string) (leaderErr, followerErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		leaderErr = RunLeader(ctx, leaderConn, leaderDeps, sessionID)
	}()
	go func() {
		defer wg.Done()
		followerErr = RunFollower(ctx, followerConn, followerDeps, sessionID)
	}()
	wg.Wait()
	return leaderErr, followerErr
}

func TestHandshakeHappyPath(t *testing.T) {
	genesis := SecretState("the pool's shared secret")
	store := NewSecretStateStore(genesis)
	oracle := authorizedOracle(t, testPCRs())
	leaderDeps, followerDeps, leaderSink, followerSink := newTestDeps(t, oracle, store)

	leaderConn, followerConn := net.Pipe()
	leaderErr, followerErr := runHandshake(leaderConn, followerConn, leaderDeps, followerDeps, "s1")

	require.NoError(t, leaderErr)
	require.NoError(t, followerErr)

	require.True(t, followerDeps.Store.Installed())
	got, err := followerDeps.Store.Export()
	require.NoError(t, err)
	require.Equal(t, string(genesis), string(got))
	require.True(t, leaderDeps.Store.equal(followerDeps.Store), "leader and follower must hold byte-identical state after a successful handshake")

	leaderNames := leaderSink.names()
	require.GreaterOrEqual(t, len(leaderNames), 3)
	require.Equal(t, []string{"start", "peer_verified", "authorized"}, leaderNames[:3])

	followerNames := followerSink.names()
	require.NotEmpty(t, followerNames)
	require.Equal(t, "installed", followerNames[len(followerNames)-1])

	require.NotEmpty(t, leaderDeps.TransLog.String())
	require.NotEmpty(t, followerDeps.TransLog.String())
}

func TestHandshakeRevokedCodeAborts(t *testing.T) {
	store := NewSecretStateStore(SecretState("state"))
	pcrs := testPCRs()
	m := measurementsFromPCRs(pcrs)
	chain := newFakeChainReader(false)
	chain.set(m.CodeString(), true)
	chain.set(m.InstanceString(), true)
	chain.set(revocationString(m.CodeString()), true)
	oracle, err := NewCommitteeOracle(chain, testRegistryAddr(), 2, 0)
	require.NoError(t, err)
	leaderDeps, followerDeps, leaderSink, followerSink := newTestDeps(t, oracle, store)

	leaderConn, followerConn := net.Pipe()
	leaderErr, _ := runHandshake(leaderConn, followerConn, leaderDeps, followerDeps, "s2")

	require.ErrorIs(t, leaderErr, errs.ErrCodeNotAuthorized)
	require.False(t, followerDeps.Store.Installed(), "follower must not install state when authorization fails")

	leaderNames := leaderSink.names()
	require.Equal(t, "aborted", leaderNames[len(leaderNames)-1])
	followerNames := followerSink.names()
	require.Equal(t, "aborted", followerNames[len(followerNames)-1])
}

func TestHandshakeUnauthorizedInstanceAborts(t *testing.T) {
	store := NewSecretStateStore(SecretState("state"))
	pcrs := testPCRs()
	m := measurementsFromPCRs(pcrs)
	chain := newFakeChainReader(false)
	chain.set(m.CodeString(), true)
	// instance measurement is never authorized
	oracle, err := NewCommitteeOracle(chain, testRegistryAddr(), 2, 0)
	require.NoError(t, err)
	leaderDeps, followerDeps, _, _ := newTestDeps(t, oracle, store)

	leaderConn, followerConn := net.Pipe()
	leaderErr, _ := runHandshake(leaderConn, followerConn, leaderDeps, followerDeps, "s3")

	require.ErrorIs(t, leaderErr, errs.ErrInstanceNotAuthorized)
}

func TestHandshakeOracleUnavailableAborts(t *testing.T) {
	store := NewSecretStateStore(SecretState("state"))
	chain := newFakeChainReader(false)
	chain.err = errors.New("no route to host")
	oracle, err := NewCommitteeOracle(chain, testRegistryAddr(), 2, 0)
	require.NoError(t, err)
	leaderDeps, followerDeps, _, _ := newTestDeps(t, oracle, store)

	leaderConn, followerConn := net.Pipe()
	leaderErr, _ := runHandshake(leaderConn, followerConn, leaderDeps, followerDeps, "s4")

	require.True(t, errs.Is(leaderErr, errs.Authorization))
	require.ErrorIs(t, leaderErr, errs.ErrOracleUnavailable)
	require.True(t, errs.Retryable(leaderErr), "an oracle-unavailable failure must be retryable per the error taxonomy")
}

func TestHandshakePeerMeasurementMismatchAborts(t *testing.T) {
	leaderPCRs := testPCRs()
	followerPCRs := map[uint][]byte{0: {9}, 1: {9}, 2: {9}, 4: {9}}

	m := measurementsFromPCRs(leaderPCRs)
	mf := measurementsFromPCRs(followerPCRs)
	chain := newFakeChainReader(false)
	chain.set(m.CodeString(), true)
	chain.set(m.InstanceString(), true)
	chain.set(mf.CodeString(), true)
	chain.set(mf.InstanceString(), true)
	oracle, err := NewCommitteeOracle(chain, testRegistryAddr(), 2, 0)
	require.NoError(t, err)

	store := NewSecretStateStore(SecretState("state"))
	leaderSink := &recordingSink{}
	followerSink := &recordingSink{}
	leaderDeps := &Deps{
		Attester: newDummyAttester(leaderPCRs),
		Oracle:   oracle,
		Store:    store,
		Events:   leaderSink,
		TransLog: newTransparencyLog(10),
		Timeout:  5 * time.Second,
	}
	followerDeps := &Deps{
		Attester: newDummyAttester(followerPCRs),
		Oracle:   oracle,
		Store:    NewSecretStateStore(nil),
		Events:   followerSink,
		TransLog: newTransparencyLog(10),
		Timeout:  5 * time.Second,
	}

	leaderConn, followerConn := net.Pipe()
	leaderErr, followerErr := runHandshake(leaderConn, followerConn, leaderDeps, followerDeps, "s7")

	require.ErrorIs(t, leaderErr, errs.ErrMeasurementMismatch)
	require.Error(t, followerErr)
	require.False(t, followerDeps.Store.Installed())
}

func TestHandshakeContextCancellationAborts(t *testing.T) {
	store := NewSecretStateStore(SecretState("the pool's shared secret"))
	oracle := authorizedOracle(t, testPCRs())
	leaderDeps, followerDeps, leaderSink, followerSink := newTestDeps(t, oracle, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	leaderConn, followerConn := net.Pipe()
	leaderErr, followerErr := runHandshakeCtx(ctx, leaderConn, followerConn, leaderDeps, followerDeps, "s6")

	require.Error(t, leaderErr, "a canceled context must abort the leader session")
	require.Error(t, followerErr, "a canceled context must abort the follower session")
	require.False(t, followerDeps.Store.Installed())

	leaderNames := leaderSink.names()
	require.Equal(t, "aborted", leaderNames[len(leaderNames)-1])
	followerNames := followerSink.names()
	require.Equal(t, "aborted", followerNames[len(followerNames)-1])
}

func TestHandshakeTamperedM3Detected(t *testing.T) {
	store := NewSecretStateStore(SecretState("the pool's shared secret"))
	oracle := authorizedOracle(t, testPCRs())
	leaderDeps, followerDeps, _, followerSink := newTestDeps(t, oracle, store)

	leaderConn, followerConn := net.Pipe()
	tamperedLeaderConn := &corruptingConn{Conn: leaderConn, corruptN: 4} // M3 payload is the 4th Write on this side

	_, followerErr := runHandshake(tamperedLeaderConn, followerConn, leaderDeps, followerDeps, "s5")

	require.Error(t, followerErr, "expected RunFollower to reject a tampered M3")
	require.False(t, followerDeps.Store.Installed(), "follower must not install state from a tampered envelope")

	names := followerSink.names()
	require.Equal(t, "aborted", names[len(names)-1])
}
