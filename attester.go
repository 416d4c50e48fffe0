package keysync

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hf/nitrite"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"

	"github.com/brave/nitro-keysync/errs"
)

// VerifiedAttestation is the caller-facing view Verify returns: the
// measurements, the public_key field, and the user_data field (the Leader
// reads the follower_nonce from it). Everything else in the signed document
// (module ID, digest algorithm, raw certificate bytes) is discarded once the
// chain has been checked.
type VerifiedAttestation struct {
	Measurements Measurements
	PublicKey    []byte // non-nil only for a Follower's attestation (M2)
	UserData     []byte // the bound user_data field (follower_nonce, or digest(envelope))
}

// attester produces and verifies hardware attestation documents for one
// platform profile. Making this an interface lets the handshake engine run,
// end to end, against a dummyAttester in tests and off-Nitro development,
// the same way the teacher's attester interface separated nitroAttester
// from dummyAttester.
type attester interface {
	// Attest asks the platform to produce a signed document binding n,
	// publicKey (may be nil), and userData (may be nil) verbatim. Fails
	// with errs.ErrUnavailable if the platform refuses.
	Attest(n nonce, publicKey, userData []byte) ([]byte, error)

	// Verify checks the document's signature chain, validity window, and
	// that its nonce field equals expectedNonce byte-for-byte. If
	// expectedUserData is non-nil, it must also equal the document's
	// user_data field byte-for-byte. Returns a verified view exposing the
	// measurements, the public_key field, and the user_data field.
	Verify(doc []byte, expectedNonce nonce, expectedUserData []byte) (*VerifiedAttestation, error)

	// OwnMeasurements reports this platform's own code and instance
	// measurements, the way the teacher's arePCRsIdentical compared a
	// remote enclave's PCRs against ourPCRs before trusting it: the
	// handshake engine uses this to require that a peer runs the pool's
	// own code image before it ever reaches committee authorization.
	OwnMeasurements() (Measurements, error)
}

// nitroAttester is the production attester for the AWS Nitro platform
// profile: it asks the enclave's NSM device for documents and verifies
// peer documents against the pinned AWS Nitro root via nitrite.
type nitroAttester struct {
	roots  *x509.CertPool // nil uses nitrite's built-in default root
	maxAge time.Duration
	now    func() time.Time
}

func newNitroAttester(roots *x509.CertPool, maxAge time.Duration) *nitroAttester {
	return &nitroAttester{roots: roots, maxAge: maxAge, now: time.Now}
}

func (a *nitroAttester) Attest(n nonce, publicKey, userData []byte) ([]byte, error) {
	s, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, errs.New(errs.Attestation, "open NSM session", fmt.Errorf("%w: %v", errs.ErrUnavailable, err))
	}
	defer func() { _ = s.Close() }()

	res, err := s.Send(&request.Attestation{
		Nonce:     n[:],
		UserData:  userData,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, errs.New(errs.Attestation, "NSM Send", fmt.Errorf("%w: %v", errs.ErrUnavailable, err))
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errs.New(errs.Attestation, "NSM Send", fmt.Errorf("%w: device returned no document", errs.ErrUnavailable))
	}
	return res.Attestation.Document, nil
}

func (a *nitroAttester) Verify(doc []byte, expectedNonce nonce, expectedUserData []byte) (*VerifiedAttestation, error) {
	currentTime := a.now()
	result, err := nitrite.Verify(bytes.NewReader(doc), nitrite.VerifyOptions{
		Roots:       a.roots,
		CurrentTime: currentTime,
	})
	if err != nil {
		return nil, errs.New(errs.Attestation, "nitrite.Verify", fmt.Errorf("%w: %v", errs.ErrBadSignature, err))
	}

	if a.maxAge > 0 {
		age := currentTime.Sub(time.UnixMilli(int64(result.Document.Timestamp)))
		if age > a.maxAge || age < -time.Minute {
			return nil, errs.New(errs.Attestation, "validity window", errs.ErrExpired)
		}
	}

	if !expectedNonce.equal(result.Document.Nonce) {
		return nil, errs.New(errs.Attestation, "nonce check", errs.ErrNonceMismatch)
	}

	if expectedUserData != nil && !bytes.Equal(expectedUserData, result.Document.UserData) {
		return nil, errs.New(errs.Attestation, "user_data check", errs.ErrUserDataMismatch)
	}

	return &VerifiedAttestation{
		Measurements: measurementsFromPCRs(result.Document.PCRs),
		PublicKey:    result.Document.PublicKey,
		UserData:     result.Document.UserData,
	}, nil
}

// OwnMeasurements self-attests with a throwaway nonce and re-verifies the
// resulting document against the same pinned root, so the measurements it
// returns went through the identical extraction path a peer's document
// would.
func (a *nitroAttester) OwnMeasurements() (Measurements, error) {
	n, err := newNonce()
	if err != nil {
		return Measurements{}, errs.New(errs.Attestation, "OwnMeasurements", fmt.Errorf("%w: %v", errs.ErrUnavailable, err))
	}
	doc, err := a.Attest(n, nil, nil)
	if err != nil {
		return Measurements{}, err
	}
	va, err := a.Verify(doc, n, nil)
	if err != nil {
		return Measurements{}, err
	}
	return va.Measurements, nil
}

// dummyAttestation is the wire format dummyAttester uses in place of a real
// COSE1Sign document. It is never produced outside development/test runs.
type dummyAttestation struct {
	Nonce     []byte          `json:"nonce"`
	UserData  []byte          `json:"user_data"`
	PublicKey []byte          `json:"public_key,omitempty"`
	Timestamp int64           `json:"timestamp"`
	PCRs      map[uint][]byte `json:"pcrs"`
}

// dummyAttester turns caller-supplied fields into JSON without doing any
// cryptography, following the teacher's dummyAttester, which served the
// same purpose: letting the full handshake run off Nitro hardware. It must
// never be reachable in production — cmd/keysyncd refuses to wire it in
// unless both --dev-attester and --insecure-allow-dev-attester are set.
type dummyAttester struct {
	pcrs   map[uint][]byte
	now    func() time.Time
	maxAge time.Duration
}

func newDummyAttester(pcrs map[uint][]byte) *dummyAttester {
	return &dummyAttester{pcrs: pcrs, now: time.Now}
}

func (d *dummyAttester) Attest(n nonce, publicKey, userData []byte) ([]byte, error) {
	doc := dummyAttestation{
		Nonce:     n[:],
		UserData:  userData,
		PublicKey: publicKey,
		Timestamp: d.now().UnixMilli(),
		PCRs:      d.pcrs,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.New(errs.Attestation, "marshal dummy attestation", err)
	}
	return raw, nil
}

func (d *dummyAttester) Verify(doc []byte, expectedNonce nonce, expectedUserData []byte) (*VerifiedAttestation, error) {
	var parsed dummyAttestation
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, errs.New(errs.Attestation, "unmarshal dummy attestation", fmt.Errorf("%w: %v", errs.ErrMalformedField, err))
	}

	if d.maxAge > 0 {
		age := d.now().Sub(time.UnixMilli(parsed.Timestamp))
		if age > d.maxAge {
			return nil, errs.New(errs.Attestation, "validity window", errs.ErrExpired)
		}
	}

	if !expectedNonce.equal(parsed.Nonce) {
		return nil, errs.New(errs.Attestation, "nonce check", errs.ErrNonceMismatch)
	}
	if expectedUserData != nil && !bytes.Equal(expectedUserData, parsed.UserData) {
		return nil, errs.New(errs.Attestation, "user_data check", errs.ErrUserDataMismatch)
	}
	if len(parsed.PCRs) == 0 {
		return nil, errs.New(errs.Attestation, "pcrs check", fmt.Errorf("%w: no PCRs in dummy document", errs.ErrMalformedField))
	}

	return &VerifiedAttestation{
		Measurements: measurementsFromPCRs(parsed.PCRs),
		PublicKey:    parsed.PublicKey,
		UserData:     parsed.UserData,
	}, nil
}

// OwnMeasurements returns the fixture PCRs this dummy attester was
// constructed with.
func (d *dummyAttester) OwnMeasurements() (Measurements, error) {
	return measurementsFromPCRs(d.pcrs), nil
}

var errDummyDisabled = errors.New("dummy attester disabled; pass --dev-attester and --insecure-allow-dev-attester to enable")
