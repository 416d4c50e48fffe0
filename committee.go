package keysync

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/brave/nitro-keysync/errs"
)

// registryABIJSON describes the one view function this protocol core calls
// on the committee's on-chain registry: a Safe-style M-of-N multisig
// records its decision once threshold signatures accumulate, and the
// registry contract exposes the resulting boolean per canonical
// measurement string. Both a positive-authorization lookup and a
// "REVOKE: "-prefixed lookup (spec.md §4.2) go through this one call.
const registryABIJSON = `[
	{
		"constant": true,
		"inputs": [{"name": "measurement", "type": "string"}],
		"name": "authorizationStatus",
		"outputs": [
			{"name": "authorized", "type": "bool"},
			{"name": "signerCount", "type": "uint8"}
		],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	}
]`

// chainReader is the minimal surface CommitteeOracle needs from an Ethereum
// JSON-RPC client. Narrowing to an interface — rather than taking
// *ethclient.Client directly — follows virtengine-virtengine's
// pkg/pricefeed ChainlinkEthClient pattern and lets tests substitute a
// fixture without dialing a real chain.
type chainReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// CommitteeOracle answers "is this enclave allowed into the pool?" from the
// on-chain governance registry (spec.md §4.2).
type CommitteeOracle struct {
	client   chainReader
	registry common.Address
	abi      abi.ABI
	minSigners uint8

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	authorized bool
	expires    time.Time
}

// NewCommitteeOracle constructs an oracle backed by client, reading the
// registry contract at registryAddr. minSigners is advisory: the registry
// contract itself already enforces the M-of-N threshold before recording a
// decision, so this value is only used for configuration validation and
// logging (spec.md §6, "minimum signer count M").
func NewCommitteeOracle(client chainReader, registryAddr common.Address, minSigners uint8, cacheTTL time.Duration) (*CommitteeOracle, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing registry ABI: %w", err)
	}
	return &CommitteeOracle{
		client:     client,
		registry:   registryAddr,
		abi:        parsed,
		minSigners: minSigners,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cacheEntry),
	}, nil
}

// IsAuthorized reports whether a committee-signed M-of-N approval for
// measurement exists and no committee-signed revocation exists. kind is
// passed through only for logging; the canonical string already encodes
// which kind it denotes (spec.md §4.2).
func (c *CommitteeOracle) IsAuthorized(ctx context.Context, kind MeasurementKind, measurement string) (bool, error) {
	if cached, ok := c.cacheLookup(measurement); ok {
		return cached, nil
	}

	approved, err := c.lookup(ctx, measurement)
	if err != nil {
		return false, errs.New(errs.Authorization, fmt.Sprintf("lookup %s authorization", kind), fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err))
	}
	if !approved {
		c.cacheStore(measurement, false)
		return false, nil
	}

	// Evaluate revocation second, per spec.md §4.2: "the oracle must treat
	// (authorization, revocation) as a pair and evaluate revocation
	// second."
	revoked, err := c.lookup(ctx, revocationString(measurement))
	if err != nil {
		return false, errs.New(errs.Authorization, fmt.Sprintf("lookup %s revocation", kind), fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err))
	}

	result := approved && !revoked
	c.cacheStore(measurement, result)
	return result, nil
}

func (c *CommitteeOracle) lookup(ctx context.Context, measurement string) (bool, error) {
	data, err := c.abi.Pack("authorizationStatus", measurement)
	if err != nil {
		return false, fmt.Errorf("packing call: %w", err)
	}

	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.registry, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("calling registry: %w", err)
	}

	outs, err := c.abi.Unpack("authorizationStatus", raw)
	if err != nil {
		return false, fmt.Errorf("unpacking result: %w", err)
	}
	if len(outs) != 2 {
		return false, fmt.Errorf("unexpected number of return values: %d", len(outs))
	}
	authorized, ok := outs[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected type for authorized: %T", outs[0])
	}
	return authorized, nil
}

func (c *CommitteeOracle) cacheLookup(measurement string) (bool, bool) {
	if c.cacheTTL <= 0 {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[measurement]
	if !ok || time.Now().After(entry.expires) {
		return false, false
	}
	return entry.authorized, true
}

func (c *CommitteeOracle) cacheStore(measurement string, authorized bool) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[measurement] = cacheEntry{authorized: authorized, expires: time.Now().Add(c.cacheTTL)}
}

// AuthorizeAttestation extracts the code and instance canonical strings
// from a verified attestation's measurements and requires both to be
// authorized, per spec.md §4.2.
func (c *CommitteeOracle) AuthorizeAttestation(ctx context.Context, va *VerifiedAttestation) error {
	codeOK, err := c.IsAuthorized(ctx, MeasurementCode, va.Measurements.CodeString())
	if err != nil {
		return err
	}
	if !codeOK {
		return errs.New(errs.Authorization, "AuthorizeAttestation", errs.ErrCodeNotAuthorized)
	}

	instanceOK, err := c.IsAuthorized(ctx, MeasurementInstance, va.Measurements.InstanceString())
	if err != nil {
		return err
	}
	if !instanceOK {
		return errs.New(errs.Authorization, "AuthorizeAttestation", errs.ErrInstanceNotAuthorized)
	}

	return nil
}
