package keysync

import (
	"go.uber.org/zap"
)

// zapEventSink is the production eventSink, logging each session-boundary
// event as structured fields via zap, the structured logger used across
// the example pool's other service daemons. It never receives (and so
// never can log) secret material: Event only carries a session ID, role,
// event name, and — for aborts — an error Kind discriminant, never the
// underlying error value, nonce bytes, ciphertext, or attestation bytes.
type zapEventSink struct {
	log *zap.SugaredLogger
}

// NewZapEventSink wraps a zap logger as an eventSink.
func NewZapEventSink(log *zap.Logger) eventSink {
	return &zapEventSink{log: log.Sugar()}
}

func (z *zapEventSink) Event(e Event) {
	fields := []any{"session_id", e.SessionID, "role", string(e.Role), "event", e.Name}
	if e.Name == "aborted" && e.ErrKind != "" {
		fields = append(fields, "error_kind", string(e.ErrKind))
	}

	switch e.Name {
	case "aborted":
		z.log.Warnw("handshake session aborted", fields...)
	case "installed", "authorized":
		z.log.Infow("handshake session event", fields...)
	default:
		z.log.Debugw("handshake session event", fields...)
	}
}

// NewProductionLogger builds the zap logger cmd/keysyncd wires into every
// component. debug enables human-readable console output; production runs
// use JSON so log shipping can parse fields.
func NewProductionLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
