package keysync

import (
	"encoding/hex"
	"fmt"
)

// Measurement kinds the committee authorizes or revokes independently, per
// spec.md §3 (CommitteeAuthorization.kind) and §4.2.
type MeasurementKind string

const (
	// MeasurementCode identifies the enclave's code image (PCR0, PCR1, PCR2
	// on the Nitro platform profile).
	MeasurementCode MeasurementKind = "CODE"
	// MeasurementInstance identifies the hardware instance (PCR4 on the
	// Nitro platform profile).
	MeasurementInstance MeasurementKind = "INSTANCE"
)

// revokePrefix is prepended to a canonical measurement string to form the
// canonical string a revocation is signed over, per spec.md §4.2.
const revokePrefix = "REVOKE: "

// Measurements holds the fixed-width PCR digests nitrite extracts from a
// verified Nitro attestation document. Only the slots the Nitro platform
// profile binds to code and instance identity are kept; other PCR indices
// are ignored by this protocol core.
type Measurements struct {
	PCR0 []byte // code
	PCR1 []byte // code
	PCR2 []byte // code
	PCR4 []byte // instance
}

// measurementsFromPCRs extracts the PCR slots this protocol cares about out
// of the map nitrite.Document.PCRs returns. Missing slots are left nil; the
// canonical-string builders below still produce a (degenerate, and
// therefore never-authorized) string for them, so a document missing PCR4
// for instance can never spoof instance authorization.
func measurementsFromPCRs(pcrs map[uint][]byte) Measurements {
	return Measurements{
		PCR0: pcrs[0],
		PCR1: pcrs[1],
		PCR2: pcrs[2],
		PCR4: pcrs[4],
	}
}

// CodeString is the canonical measurement string the committee signs (or
// revokes) for a code authorization: spec.md §4.2,
// "AWS-CODE:" || hex(PCR0) || ":" || hex(PCR1) || ":" || hex(PCR2).
func (m Measurements) CodeString() string {
	return fmt.Sprintf("AWS-CODE:%s:%s:%s", hex.EncodeToString(m.PCR0), hex.EncodeToString(m.PCR1), hex.EncodeToString(m.PCR2))
}

// InstanceString is the canonical measurement string for an instance
// authorization: spec.md §4.2, "AWS-INSTANCE:" || hex(PCR4).
func (m Measurements) InstanceString() string {
	return fmt.Sprintf("AWS-INSTANCE:%s", hex.EncodeToString(m.PCR4))
}

// revocationString returns the canonical string a committee revocation of
// measurement is signed over.
func revocationString(measurement string) string {
	return revokePrefix + measurement
}

// identical reports whether two Measurements describe the same code image
// and hardware instance. Used to compare a peer's measurements against this
// enclave's own, the way the teacher's arePCRsIdentical compared two PCR
// maps before trusting a remote enclave for state sync.
func (m Measurements) identical(other Measurements) bool {
	eq := func(a, b []byte) bool {
		if len(a) != len(b) {
			return false
		}
		var diff byte
		for i := range a {
			diff |= a[i] ^ b[i]
		}
		return diff == 0
	}
	return eq(m.PCR0, other.PCR0) && eq(m.PCR1, other.PCR1) && eq(m.PCR2, other.PCR2) && eq(m.PCR4, other.PCR4)
}
