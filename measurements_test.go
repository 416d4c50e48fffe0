package keysync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalStrings(t *testing.T) {
	m := measurementsFromPCRs(map[uint][]byte{
		0: {0xaa},
		1: {0xbb},
		2: {0xcc},
		4: {0xdd},
	})

	require.Equal(t, "AWS-CODE:aa:bb:cc", m.CodeString())
	require.Equal(t, "AWS-INSTANCE:dd", m.InstanceString())
	require.Equal(t, "REVOKE: AWS-CODE:aa:bb:cc", revocationString(m.CodeString()))
}

func TestMeasurementsIdentical(t *testing.T) {
	a := measurementsFromPCRs(map[uint][]byte{0: {1}, 1: {2}, 2: {3}, 4: {4}})
	b := measurementsFromPCRs(map[uint][]byte{0: {1}, 1: {2}, 2: {3}, 4: {4}})
	require.True(t, a.identical(b))

	c := measurementsFromPCRs(map[uint][]byte{0: {1}, 1: {2}, 2: {3}, 4: {9}})
	require.False(t, a.identical(c), "differing instance PCR must break identity")
}

func TestMeasurementsMissingSlotNeverMatchesPopulated(t *testing.T) {
	withInstance := measurementsFromPCRs(map[uint][]byte{0: {1}, 1: {2}, 2: {3}, 4: {4}})
	withoutInstance := measurementsFromPCRs(map[uint][]byte{0: {1}, 1: {2}, 2: {3}})

	require.False(t, withInstance.identical(withoutInstance), "a missing PCR4 slot must not compare identical to a populated one")
}
