package keysync

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/brave/nitro-keysync/errs"
)

// algoX25519XSalsa20Poly1305 is the only envelope algorithm identifier this
// repository emits today. spec.md §4.3 requires the identifier be embedded
// in the envelope header "so a future change can be recognized" — an
// envelope with any other identifier byte is rejected rather than
// misinterpreted.
const algoX25519XSalsa20Poly1305 byte = 1

const (
	boxPublicKeyLen = 32
	boxNonceLen     = 24
)

// envelopeHeaderLen is algorithm-id (1) + ephemeral sender public key (32)
// + box nonce (24).
const envelopeHeaderLen = 1 + boxPublicKeyLen + boxNonceLen

// ephemeralKeyPair is a Follower's asymmetric key for this handshake only
// (spec.md §3, EphemeralKeyPair). Secret is held only in memory and is
// zeroized by zeroize() once Open() has consumed it, per invariant I4.
type ephemeralKeyPair struct {
	public [boxPublicKeyLen]byte
	secret [boxPublicKeyLen]byte
}

// newEphemeralKeyPair draws a fresh X25519 key pair from crypto/rand,
// following virtengine-virtengine's x/encryption/crypto.GenerateKeyPair.
func newEphemeralKeyPair() (*ephemeralKeyPair, error) {
	kp := &ephemeralKeyPair{}
	if _, err := rand.Read(kp.secret[:]); err != nil {
		return nil, errs.New(errs.Crypto, "generate ephemeral key", fmt.Errorf("%w: %v", errs.ErrKeyGenFailed, err))
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.secret)
	return kp, nil
}

// zeroize overwrites the secret half of the key pair. Callers MUST call
// this unconditionally once the key has been used for its one decryption,
// on both the success and failure path (spec.md §8, "the Follower's
// ephemeral secret is zeroized before the session is disposed").
func (kp *ephemeralKeyPair) zeroize() {
	for i := range kp.secret {
		kp.secret[i] = 0
	}
}

// seal produces a self-describing ciphertext of plaintext encrypted to
// recipientPublicKey, following virtengine-virtengine's
// x/encryption/crypto.CreateEnvelope: a fresh ephemeral sender keypair does
// an X25519 ECDH with the recipient's public key (nacl/box folds the
// key-encapsulation and AEAD steps of spec.md §4.3's "hybrid public-key
// encryption scheme" into one call). The wire format is
// [algo_id][sender_pub(32)][nonce(24)][ciphertext].
func seal(plaintext []byte, recipientPublicKey [boxPublicKeyLen]byte) ([]byte, error) {
	senderPub, senderSecret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.Crypto, "generate sender key", fmt.Errorf("%w: %v", errs.ErrKeyGenFailed, err))
	}

	var n [boxNonceLen]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, errs.New(errs.Crypto, "generate box nonce", fmt.Errorf("%w: %v", errs.ErrKeyGenFailed, err))
	}

	out := make([]byte, 0, envelopeHeaderLen+len(plaintext)+box.Overhead)
	out = append(out, algoX25519XSalsa20Poly1305)
	out = append(out, senderPub[:]...)
	out = append(out, n[:]...)
	out = box.Seal(out, plaintext, &n, &recipientPublicKey, senderSecret)

	return out, nil
}

// open decapsulates and decrypts an envelope produced by seal. Fails with
// errs.ErrDecryptionFailed if tampering or key mismatch is detected; the
// caller MUST then abort and zeroize, per spec.md §4.3.
func open(envelope []byte, recipientSecret [boxPublicKeyLen]byte) ([]byte, error) {
	if len(envelope) < envelopeHeaderLen {
		return nil, errs.New(errs.Crypto, "open envelope", fmt.Errorf("%w: envelope shorter than header", errs.ErrDecryptionFailed))
	}
	if envelope[0] != algoX25519XSalsa20Poly1305 {
		return nil, errs.New(errs.Crypto, "open envelope", errs.ErrUnknownAlgorithm)
	}

	var senderPub [boxPublicKeyLen]byte
	copy(senderPub[:], envelope[1:1+boxPublicKeyLen])

	var n [boxNonceLen]byte
	copy(n[:], envelope[1+boxPublicKeyLen:envelopeHeaderLen])

	ciphertext := envelope[envelopeHeaderLen:]

	plaintext, ok := box.Open(nil, ciphertext, &n, &senderPub, &recipientSecret)
	if !ok {
		return nil, errs.New(errs.Crypto, "open envelope", errs.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// digest is the fixed, collision-resistant transcript-binding hash of
// spec.md §4.3: SHA-256 over the complete envelope bytes. The Leader binds
// this value into its own attestation's user_data field so the Follower can
// prove the ciphertext it received is the one the Leader produced.
func digest(envelope []byte) [sha256.Size]byte {
	return sha256.Sum256(envelope)
}
