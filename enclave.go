package keysync

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errAlreadyClosed = errors.New("enclave already closed")

// Enclave wires the protocol core's leaf components together into one
// runnable node, the way the teacher's Enclave struct owned the
// configuration, key material, and readiness gate for one nitriding
// process.
type Enclave struct {
	cfg      Config
	Store    *SecretStateStore
	Oracle   *CommitteeOracle
	Attester attester
	Metrics  *metrics
	TransLog *transparencyLog
	Logger   *zap.Logger
	Events   eventSink
	registry *prometheus.Registry

	ready  chan struct{}
	closed atomic.Bool
	seq    atomic.Uint64
}

// NewEnclave validates cfg and assembles an Enclave. chainClient is
// injected rather than dialed internally so tests can supply a fixture in
// place of a real JSON-RPC connection to the committee's chain; production
// callers (cmd/keysyncd) pass an *ethclient.Client.
func NewEnclave(cfg *Config, chainClient chainReader, logger *zap.Logger) (*Enclave, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	registryAddr := common.HexToAddress(cfg.CommitteeRegistryAddr)
	oracle, err := NewCommitteeOracle(chainClient, registryAddr, cfg.MinSigners, cfg.OracleCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("constructing committee oracle: %w", err)
	}

	var att attester
	if cfg.DevAttester {
		if !cfg.InsecureAllowDevAttester {
			return nil, errDevAttesterNotConfirmed
		}
		att = newDummyAttester(map[uint][]byte{0: []byte("dev-code-pcr0"), 1: []byte("dev-code-pcr1"), 2: []byte("dev-code-pcr2"), 4: []byte("dev-instance-pcr4")})
	} else {
		var roots *x509.CertPool
		if cfg.RootCertPEM != "" {
			roots = x509.NewCertPool()
			if !roots.AppendCertsFromPEM([]byte(cfg.RootCertPEM)) {
				return nil, fmt.Errorf("parsing configured root certificate(s)")
			}
		}
		att = newNitroAttester(roots, cfg.MaxAttestationAge)
	}

	events := NewZapEventSink(logger)
	registry := prometheus.NewRegistry()

	e := &Enclave{
		cfg:      *cfg,
		Store:    NewSecretStateStore(nil),
		Oracle:   oracle,
		Attester: att,
		Metrics:  newMetrics(registry),
		TransLog: newTransparencyLog(cfg.TranslogSize),
		Logger:   logger,
		Events:   events,
		registry: registry,
		ready:    make(chan struct{}),
	}
	return e, nil
}

// Registry returns the enclave's private Prometheus registry, scoped to
// this instance so that constructing more than one Enclave in the same
// process (as the test suite does) never collides on a shared default
// registerer.
func (e *Enclave) Registry() *prometheus.Registry { return e.registry }

// Config returns a copy of the enclave's configuration.
func (e *Enclave) Config() Config { return e.cfg }

// Deps builds a Deps bundle for one handshake session.
func (e *Enclave) Deps() *Deps {
	return &Deps{
		Attester: e.Attester,
		Oracle:   e.Oracle,
		Store:    e.Store,
		Events:   e.Events,
		TransLog: e.TransLog,
		Metrics:  e.Metrics,
		Timeout:  e.cfg.HandshakeTimeout,
	}
}

// NextSessionID returns a monotonically increasing session identifier
// suitable for correlating log lines for one handshake.
func (e *Enclave) NextSessionID() string {
	return fmt.Sprintf("%s-%d", e.cfg.PlatformProfile, e.seq.Add(1))
}

// Ready signals that the enclave application (or, for this daemon, the
// operator) has finished any startup bookkeeping and the pool-facing
// listener may begin accepting Follower connections. Mirrors the teacher's
// readyHandler/e.ready gate.
func (e *Enclave) Ready() { close(e.ready) }

// WaitReady blocks until Ready has been called.
func (e *Enclave) WaitReady() <-chan struct{} { return e.ready }

// Close marks the enclave as shutting down: ServePool stops admitting new
// Follower connections and the control surface's sync handler refuses to
// start new outbound sync attempts, the way the teacher's graceful-shutdown
// goroutines stopped handing off new work once a shutdown signal landed.
// Idempotent; a second call reports errAlreadyClosed.
func (e *Enclave) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errAlreadyClosed
	}
	return nil
}

// Closed reports whether Close has been called.
func (e *Enclave) Closed() bool { return e.closed.Load() }
