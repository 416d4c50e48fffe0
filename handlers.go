package keysync

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// indexPage is the plain text the control surface's root page returns. Useful
// for a human operator confirming which node they are looking at.
const indexPage = "This host runs the Nitro enclave pool key-synchronization daemon.\n"

var (
	errNoAddr      = errors.New("parameter 'addr' not found")
	errBadSyncAddr = errors.New("invalid 'addr' parameter for sync")
	errNoNonce     = errors.New("could not find 'nonce' parameter")
	errBadNonce    = errors.New("'nonce' parameter is not valid hex")
)

func formatIndexPage(profile string) string {
	return indexPage + fmt.Sprintf("Platform profile: %s\n", profile)
}

// rootHandler informs the visitor which host this is. Useful for testing
// and for humans poking at the control surface.
func rootHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, formatIndexPage(e.cfg.PlatformProfile))
	}
}

// configHandler prints the enclave's configuration.
func configHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, e.cfg.String())
	}
}

// readyHandler lets the operator (or a startup script) signal readiness,
// gating the pool-facing listener the same way the teacher's readyHandler
// gated its Internet-facing Web server: avoid admitting Followers before
// the node has finished whatever bookkeeping it needs.
func readyHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-e.ready:
			// already ready; idempotent
		default:
			e.Ready()
		}
		w.WriteHeader(http.StatusOK)
	}
}

// transparencyLogHandler prints the transparency log of all previously
// completed admission decisions in human-readable form.
func transparencyLogHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, e.TransLog.String())
	}
}

// attestationHandler takes a hex-encoded nonce in the URL query parameters
// and asks the configured attester for a document binding it (with no
// public_key and no user_data), then returns the Base64-encoded document.
// This lets an external party verify the enclave's identity independent of
// the pool handshake, the way the teacher's attestationHandler did.
func attestationHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "failed to parse form", http.StatusBadRequest)
			return
		}

		rawNonce := r.URL.Query().Get("nonce")
		if rawNonce == "" {
			http.Error(w, errNoNonce.Error(), http.StatusBadRequest)
			return
		}
		nonceBytes, err := hex.DecodeString(strings.ToLower(rawNonce))
		if err != nil {
			http.Error(w, errBadNonce.Error(), http.StatusBadRequest)
			return
		}
		n, ok := nonceFromBytes(nonceBytes)
		if !ok {
			http.Error(w, errBadNonce.Error(), http.StatusBadRequest)
			return
		}

		doc, err := e.Attester.Attest(n, nil, nil)
		if err != nil {
			http.Error(w, "failed to obtain attestation document", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, base64.StdEncoding.EncodeToString(doc))
	}
}

// syncHandler lets an operator trigger a Follower handshake against a
// running pool member at the given 'addr', pulling its secret state into
// this enclave. This generalizes the teacher's reqSyncHandler, which
// triggered a similar state pull but without the attestation/committee
// gating this protocol core requires before installing anything.
func syncHandler(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.Closed() {
			http.Error(w, "enclave shutting down", http.StatusServiceUnavailable)
			return
		}

		addrs, ok := r.URL.Query()["addr"]
		if !ok || addrs[0] == "" {
			http.Error(w, errNoAddr.Error(), http.StatusBadRequest)
			return
		}
		addr := addrs[0]
		if _, err := url.Parse(addr); err != nil {
			http.Error(w, errBadSyncAddr.Error(), http.StatusBadRequest)
			return
		}

		if e.Store.Installed() {
			http.Error(w, "secret state already installed", http.StatusConflict)
			return
		}

		dialCtx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		var d net.Dialer
		stream, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to reach leader: %v", err), http.StatusBadGateway)
			return
		}

		sessionID := e.NextSessionID()
		if err := RunFollower(r.Context(), stream, e.Deps(), sessionID); err != nil {
			http.Error(w, fmt.Sprintf("failed to synchronize state: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
