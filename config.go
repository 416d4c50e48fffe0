package keysync

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the process configuration spec.md §6 lists as "Configuration
// inputs (consumed from external glue)": platform profile selector, root
// certificate(s), committee contract identifier, minimum signer count M,
// and acceptable attestation age window — plus the ambient listen
// addresses and dev-mode switches cmd/keysyncd needs to wire a runnable
// daemon. This generalizes the teacher's enclave_test.go Config (FQDN,
// ExtPort, IntPort, HostProxyPort, ...) from an HTTPS-reverse-proxy
// configuration to this protocol's own inputs.
type Config struct {
	// PlatformProfile selects the attestation document format. "nitro" is
	// the only profile this repository implements (spec.md §4.1).
	PlatformProfile string

	// RootCertPEM pins the platform root certificate(s) the attestation
	// chain must terminate at. Empty uses nitrite's built-in AWS Nitro
	// root.
	RootCertPEM string

	// CommitteeRPCURL is the Ethereum JSON-RPC endpoint the committee
	// oracle reads the on-chain registry through.
	CommitteeRPCURL string

	// CommitteeRegistryAddr is the hex address of the registry contract.
	CommitteeRegistryAddr string

	// MinSigners is the configured M of the committee's M-of-N multisig.
	// Advisory only: the registry contract itself enforces the threshold.
	MinSigners uint8

	// MaxAttestationAge bounds how old an attestation document's
	// timestamp may be and still be accepted (spec.md §6).
	MaxAttestationAge time.Duration

	// OracleCacheTTL, if positive, lets the committee oracle cache a
	// decision for this long before re-querying the chain.
	OracleCacheTTL time.Duration

	// PoolListenAddr is the TCP address this enclave accepts Follower
	// handshake connections on when acting as Leader.
	PoolListenAddr string

	// ControlListenAddr serves the enclave-internal HTTP API (spec.md §6
	// is silent on this surface; it is carried forward from the teacher).
	ControlListenAddr string

	// HandshakeTimeout bounds each of a session's three receive
	// boundaries (spec.md §5).
	HandshakeTimeout time.Duration

	// DevAttester selects the in-memory dummyAttester instead of the real
	// Nitro NSM device. Refused unless InsecureAllowDevAttester is also
	// set.
	DevAttester              bool
	InsecureAllowDevAttester bool

	// TranslogSize bounds the in-memory transparency log (0 uses a
	// default).
	TranslogSize int

	Debug bool
}

var (
	errMissingPlatformProfile = errors.New("platform profile must be set")
	errMissingCommitteeRPC    = errors.New("committee RPC URL must be set")
	errMissingRegistryAddr    = errors.New("committee registry address must be set")
	errMissingPoolListenAddr  = errors.New("pool listen address must be set")
	errMissingControlAddr     = errors.New("control listen address must be set")
	errInvalidMinSigners      = errors.New("minimum signer count must be at least 1")
	errDevAttesterNotConfirmed = errors.New("dev attester requires --insecure-allow-dev-attester")
)

// Validate checks that Config carries everything the daemon needs to
// start, following the teacher's enclave_test.go expectation that a
// default-valued Config fails Validate and a fully-populated one passes.
func (c *Config) Validate() error {
	if c.PlatformProfile == "" {
		return errMissingPlatformProfile
	}
	if c.CommitteeRPCURL == "" {
		return errMissingCommitteeRPC
	}
	if c.CommitteeRegistryAddr == "" {
		return errMissingRegistryAddr
	}
	if c.PoolListenAddr == "" {
		return errMissingPoolListenAddr
	}
	if c.ControlListenAddr == "" {
		return errMissingControlAddr
	}
	if c.MinSigners < 1 {
		return errInvalidMinSigners
	}
	if c.DevAttester && !c.InsecureAllowDevAttester {
		return errDevAttesterNotConfirmed
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf(
		"PlatformProfile=%s CommitteeRPCURL=%s CommitteeRegistryAddr=%s MinSigners=%d "+
			"MaxAttestationAge=%s PoolListenAddr=%s ControlListenAddr=%s HandshakeTimeout=%s DevAttester=%v Debug=%v",
		c.PlatformProfile, c.CommitteeRPCURL, c.CommitteeRegistryAddr, c.MinSigners,
		c.MaxAttestationAge, c.PoolListenAddr, c.ControlListenAddr, c.HandshakeTimeout, c.DevAttester, c.Debug)
}
