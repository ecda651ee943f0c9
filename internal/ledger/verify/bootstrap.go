// Package verify implements the two request verification flows: bootstrap
// (pre-shared service token, used by callers not yet registered) and
// instance (per-instance derived key with key-id rotation, used by already
// registered instances).
package verify

import (
	"context"
	"strconv"
	"time"

	"ledgerd/internal/ledger/nonce"
	"ledgerd/internal/ledger/signing"
)

// Result is the outcome of a verification attempt: ok plus a stable,
// human-readable reason. Callers map Reason to an HTTP status and error
// code; verify itself never raises.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result { return Result{OK: true, Reason: "ok"} }

func fail(reason string) Result { return Result{OK: false, Reason: reason} }

// BootstrapNonceRecorder records a nonce in the bootstrap namespace.
type BootstrapNonceRecorder interface {
	RecordBootstrapNonce(ctx context.Context, serviceName, nonceValue string) (nonce.Outcome, error)
}

// BootstrapVerifier verifies requests signed with a service's raw,
// pre-shared bootstrap token.
type BootstrapVerifier struct {
	Nonces   BootstrapNonceRecorder
	Now      func() time.Time
	TSWindow time.Duration
}

// Verify checks (serviceName, token, ts, nonceValue, signature, body)
// against the bootstrap canonical string, in the exact order specified:
// timestamp parse, timestamp window, nonce presence, replay, signature
// format, signature value.
func (v *BootstrapVerifier) Verify(ctx context.Context, serviceName, token, ts, nonceValue, signature string, body []byte) Result {
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fail("missing timestamp")
	}

	window := v.TSWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}
	delta := now().Unix() - tsInt
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > window {
		return fail("timestamp window")
	}

	if nonceValue == "" {
		return fail("missing nonce")
	}

	outcome, err := v.Nonces.RecordBootstrapNonce(ctx, serviceName, nonceValue)
	if err != nil {
		return fail("downstream error")
	}
	if outcome == nonce.Duplicate {
		return fail("replay")
	}

	if !signing.HasValidFormat(signature) {
		return fail("bad signature format")
	}

	tokenBytes, err := signing.DecodeToken(token)
	if err != nil {
		return fail("bad signature format")
	}
	msg := signing.BootstrapCanonicalString(tsInt, nonceValue, body)
	if !signing.VerifySignature(tokenBytes, msg, signature) {
		return fail("bad signature")
	}

	return ok()
}
