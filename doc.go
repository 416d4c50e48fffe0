// Package keysync implements the Key-Synchronization Protocol for a pool of
// AWS Nitro Enclaves: a two-round handshake that lets a newly admitted
// enclave (the Follower) securely import the pool's secret state from an
// existing member (the Leader), gated on hardware attestation and an
// on-chain governance committee's authorization decision.
//
// The package composes three independently testable leaves — an
// attestation provider, a committee authorization oracle, and a secret
// state store — behind the handshake engine in session.go. See
// DESIGN.md for how each part is grounded.
package keysync
