package verify

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/ledger/nonce"
	"ledgerd/internal/ledger/secrets"
	"ledgerd/internal/ledger/signing"
)

// InstanceNonceRecorder records a nonce in the instance namespace.
type InstanceNonceRecorder interface {
	RecordInstanceNonce(ctx context.Context, instanceID uuid.UUID, nonceValue string) (nonce.Outcome, error)
}

// SecretResolver resolves the current/previous key material for a service,
// cached with TTL per (spec §4.B); the instance verifier only reads it.
type SecretResolver interface {
	Get(ctx context.Context, ref string, ttlSeconds int) (*secrets.SecretObject, error)
}

// InstanceVerifier verifies requests signed by an already-registered
// instance, selecting the current or previous service key by kid.
type InstanceVerifier struct {
	Nonces   InstanceNonceRecorder
	Secrets  SecretResolver
	Now      func() time.Time
	TSWindow time.Duration
}

// Request carries everything the instance verification algorithm needs.
type Request struct {
	InstanceID         uuid.UUID
	ServiceSecretRef   string
	ServiceTTLSeconds  int
	Method             string
	PathWithQuery      string
	Timestamp          string
	Nonce              string
	Signature          string
	KID                string
	Body               []byte
}

// Verify runs the ordered algorithm from spec §4.E. Malformed/missing
// fields are detected before nonce replay is recorded, so a malformed
// attempt never pollutes the nonce store; replay is recorded before the
// signature is checked, so a wrong-signature attacker can't reuse a nonce to
// probe keys.
func (v *InstanceVerifier) Verify(ctx context.Context, req Request) Result {
	tsInt, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return fail("missing timestamp")
	}
	if req.Nonce == "" {
		return fail("missing nonce")
	}
	if req.KID == "" {
		return fail("missing kid")
	}

	window := v.TSWindow
	if window <= 0 {
		window = 300 * time.Second
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}
	nowTime := now()
	delta := nowTime.Unix() - tsInt
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > window {
		return fail("timestamp window")
	}

	outcome, err := v.Nonces.RecordInstanceNonce(ctx, req.InstanceID, req.Nonce)
	if err != nil {
		return fail("downstream error")
	}
	if outcome == nonce.Duplicate {
		return fail("replay")
	}

	if !signing.HasValidFormat(req.Signature) {
		return fail("bad signature format")
	}

	secretObj, err := v.Secrets.Get(ctx, req.ServiceSecretRef, req.ServiceTTLSeconds)
	if err != nil || secretObj == nil {
		return fail("no current secret")
	}

	var key []byte
	switch {
	case req.KID == secretObj.KID:
		key = signing.DeriveInstanceKey(signing.ScopeClient, secretObj.Token, req.InstanceID.String())
	case secretObj.HasPrevious && req.KID == secretObj.PrevKID:
		if nowTime.After(secretObj.AcceptPrevUntil) {
			return fail("prev key expired")
		}
		key = signing.DeriveInstanceKey(signing.ScopeClient, secretObj.PrevToken, req.InstanceID.String())
	default:
		return fail("unknown kid")
	}

	msg := signing.InstanceCanonicalString(req.Method, req.PathWithQuery, tsInt, req.Nonce, req.Body)
	if !signing.VerifySignature(key, msg, req.Signature) {
		return fail("bad signature")
	}

	return ok()
}
