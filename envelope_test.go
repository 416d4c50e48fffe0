package keysync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brave/nitro-keysync/errs"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kp, err := newEphemeralKeyPair()
	require.NoError(t, err)
	defer kp.zeroize()

	plaintext := []byte("the pool's secret state")
	env, err := seal(plaintext, kp.public)
	require.NoError(t, err)

	got, err := open(env, kp.secret)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	kp, err := newEphemeralKeyPair()
	require.NoError(t, err)
	defer kp.zeroize()

	env, err := seal([]byte("state"), kp.public)
	require.NoError(t, err)
	env[len(env)-1] ^= 0xff

	_, err = open(env, kp.secret)
	require.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	kp, err := newEphemeralKeyPair()
	require.NoError(t, err)
	other, err := newEphemeralKeyPair()
	require.NoError(t, err)
	defer kp.zeroize()
	defer other.zeroize()

	env, err := seal([]byte("state"), kp.public)
	require.NoError(t, err)

	_, err = open(env, other.secret)
	require.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestOpenRejectsUnknownAlgorithm(t *testing.T) {
	kp, err := newEphemeralKeyPair()
	require.NoError(t, err)
	defer kp.zeroize()

	env, err := seal([]byte("state"), kp.public)
	require.NoError(t, err)
	env[0] = 0xee

	_, err = open(env, kp.secret)
	require.ErrorIs(t, err, errs.ErrUnknownAlgorithm)
}

func TestOpenRejectsTruncatedEnvelope(t *testing.T) {
	kp, err := newEphemeralKeyPair()
	require.NoError(t, err)
	defer kp.zeroize()

	_, err = open([]byte{1, 2, 3}, kp.secret)
	require.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestDigestIsDeterministic(t *testing.T) {
	env := []byte("some envelope bytes")
	require.Equal(t, digest(env), digest(append([]byte(nil), env...)))

	other := append(append([]byte(nil), env...), 'x')
	require.NotEqual(t, digest(env), digest(other))
}
