package signing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
)

// KeyLookup resolves the (kid, token_bytes) pair a service currently signs
// outbound pushes with.
type KeyLookup func(serviceID string) (kid string, tokenBytes []byte, err error)

// SignedHeaders emits the signed request headers for an outbound push to a
// single instance, per the instance-request canonical format with the
// "push" derivation scope.
func SignedHeaders(now func() int64, lookup KeyLookup, serviceID, instanceID, method, pathWithQuery string, body []byte) (http.Header, error) {
	kid, tokenBytes, err := lookup(serviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}
	ts := now()
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	key := DeriveInstanceKey(ScopePush, tokenBytes, instanceID)
	msg := InstanceCanonicalString(method, pathWithQuery, ts, nonce, body)
	sig := Sign(key, msg)

	headers := make(http.Header)
	headers.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	headers.Set("X-Nonce", nonce)
	headers.Set("X-Signature", sig)
	headers.Set("X-Key-Id", kid)
	headers.Set("X-Signed-Method", method)
	headers.Set("X-Signed-Path-With-Query", pathWithQuery)
	headers.Set("Content-Type", "application/json")
	return headers, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
