package keysync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/brave/nitro-keysync/errs"
)

// maxFrameLen bounds a single length-prefixed message, per spec.md §6's
// recommended 2^20-byte cap. Messages exceeding it fail with
// errs.ErrFrameTooLarge before a single payload byte is read off the wire.
const maxFrameLen = 1 << 20

// errTooMuchToRead is returned by newLimitReader's reader when the caller
// tries to read past its configured cap, mirroring the teacher's
// handlers.go use of an identically-named sentinel for HTTP body limits.
var errTooMuchToRead = errors.New("too much data to read")

// newLimitReader wraps r so that reading more than n bytes returns
// errTooMuchToRead instead of silently truncating, generalizing the
// teacher's handlers.go use of a limited reader for PUT request bodies.
// readFrame does not use it: it bounds each read by checking the length
// prefix against maxFrameLen instead.
func newLimitReader(r io.Reader, n int64) io.Reader {
	return &limitReader{r: io.LimitReader(r, n+1), limit: n}
}

type limitReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, errTooMuchToRead
	}
	return n, err
}

// writeFrame writes a single length-prefixed message: a 32-bit big-endian
// unsigned length prefix followed by that many payload bytes (spec.md §6,
// invariant I5).
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return errs.New(errs.Transport, "writeFrame", errs.ErrFrameTooLarge)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.New(errs.Transport, "writeFrame", fmt.Errorf("%w: %v", errs.ErrStreamClosed, err))
	}
	if _, err := w.Write(payload); err != nil {
		return errs.New(errs.Transport, "writeFrame", fmt.Errorf("%w: %v", errs.ErrStreamClosed, err))
	}
	return nil
}

// readFrame reads a single length-prefixed message. A length prefix whose
// value exceeds maxFrameLen aborts with errs.ErrFrameTooLarge without
// attempting to read the (claimed) payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.New(errs.Transport, "readFrame", classifyReadErr(err))
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, errs.New(errs.Transport, "readFrame", errs.ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.New(errs.Transport, "readFrame", classifyReadErr(err))
	}
	return payload, nil
}

func classifyReadErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", errs.ErrStreamClosed, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrBadFraming, err)
}

// encodeM3 builds the deterministic sub-framing spec.md §4.4 requires for M3:
// two inner length-prefixed fields in a fixed order, envelope first,
// attestation second. This resolves the "Open Question" in spec.md §9
// about M3's serialization not being bit-exactly pinned by picking one
// concrete, documented order and sticking to it.
func encodeM3(envelope, leaderAttestation []byte) ([]byte, error) {
	buf := make([]byte, 0, 8+len(envelope)+len(leaderAttestation))
	var tmp [4]byte

	if len(envelope) > maxFrameLen || len(leaderAttestation) > maxFrameLen {
		return nil, errs.New(errs.Transport, "encodeM3", errs.ErrFrameTooLarge)
	}

	binary.BigEndian.PutUint32(tmp[:], uint32(len(envelope)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, envelope...)

	binary.BigEndian.PutUint32(tmp[:], uint32(len(leaderAttestation)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, leaderAttestation...)

	return buf, nil
}

func decodeM3(m3 []byte) (envelope, leaderAttestation []byte, err error) {
	if len(m3) < 4 {
		return nil, nil, errs.New(errs.Transport, "decodeM3", errs.ErrBadFraming)
	}
	envLen := binary.BigEndian.Uint32(m3[:4])
	rest := m3[4:]
	if uint64(envLen) > uint64(len(rest)) {
		return nil, nil, errs.New(errs.Transport, "decodeM3", errs.ErrBadFraming)
	}
	envelope = rest[:envLen]
	rest = rest[envLen:]

	if len(rest) < 4 {
		return nil, nil, errs.New(errs.Transport, "decodeM3", errs.ErrBadFraming)
	}
	attLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(attLen) > uint64(len(rest)) {
		return nil, nil, errs.New(errs.Transport, "decodeM3", errs.ErrBadFraming)
	}
	leaderAttestation = rest[:attLen]

	return envelope, leaderAttestation, nil
}
