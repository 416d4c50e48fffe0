package keysync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransparencyLogRecordsAndTruncates(t *testing.T) {
	log := newTransparencyLog(2)
	va := &VerifiedAttestation{Measurements: measurementsFromPCRs(testPCRs())}

	log.recordFromSession(RoleLeader, va, "completed")
	log.recordFromSession(RoleFollower, va, "installed")
	log.recordFromSession(RoleLeader, nil, "aborted:transport")

	require.Len(t, log.entries, 2, "expected the log to retain only its configured max entries")
	require.NotEmpty(t, log.String())
}

func TestNewTransparencyLogDefaultsMax(t *testing.T) {
	log := newTransparencyLog(0)
	require.Equal(t, 1000, log.max)
}
