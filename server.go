package keysync

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewControlRouter builds the enclave-internal HTTP control surface,
// following the teacher's own chi-based router: readiness gate,
// configuration/transparency-log introspection, a debug attestation
// endpoint, and the sync trigger.
func NewControlRouter(e *Enclave) http.Handler {
	r := chi.NewRouter()
	r.Use(e.Metrics.middleware)

	r.Get("/", rootHandler(e))
	r.Get("/enclave/ready", readyHandler(e))
	r.Get("/enclave/config", configHandler(e))
	r.Get("/enclave/translog", transparencyLogHandler(e))
	r.Get("/enclave/attestation", attestationHandler(e))
	r.Post("/enclave/sync", syncHandler(e))
	r.Handle("/metrics", promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{}))

	return r
}

// ServePool accepts TCP connections on ln and runs RunLeader against each
// one, until ctx is canceled or ln is closed. Each connection gets its own
// Session (spec.md §5: "A node MAY host multiple sessions in parallel").
func ServePool(ctx context.Context, ln net.Listener, e *Enclave) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	select {
	case <-e.WaitReady():
	case <-ctx.Done():
		return nil
	}

	for {
		stream, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if e.Closed() {
			_ = stream.Close()
			continue
		}

		sessionID := e.NextSessionID()
		go func() {
			if err := RunLeader(ctx, stream, e.Deps(), sessionID); err != nil {
				e.Logger.Sugar().Warnw("leader session failed", "session_id", sessionID, "error", err)
			}
		}()
	}
}
