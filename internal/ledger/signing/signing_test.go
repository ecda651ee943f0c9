package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestDecodeToken(t *testing.T) {
	got, err := DecodeToken("base64:MTIz")
	if err != nil {
		t.Fatalf("decode base64 token: %v", err)
	}
	if string(got) != "123" {
		t.Fatalf("expected %q got %q", "123", got)
	}

	got, err = DecodeToken("123")
	if err != nil {
		t.Fatalf("decode raw token: %v", err)
	}
	if string(got) != "123" {
		t.Fatalf("expected %q got %q", "123", got)
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	key := []byte("some-secret")
	msg := InstanceCanonicalString("GET", "/path", 1700000000, "abc123", nil)
	sig := Sign(key, msg)
	if !VerifySignature(key, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	key := []byte("some-secret")
	msg := InstanceCanonicalString("GET", "/path", 1700000000, "abc123", []byte("original"))
	sig := Sign(key, msg)

	tampered := InstanceCanonicalString("GET", "/path", 1700000000, "abc123", []byte("tampered"))
	if VerifySignature(key, tampered, sig) {
		t.Fatalf("expected tampered body to invalidate signature")
	}
}

func TestVerifySignatureTamperedMethodPathTimestampNonce(t *testing.T) {
	key := []byte("some-secret")
	body := []byte("payload")
	base := InstanceCanonicalString("GET", "/path", 1700000000, "abc123", body)
	sig := Sign(key, base)

	variants := [][]byte{
		InstanceCanonicalString("POST", "/path", 1700000000, "abc123", body),
		InstanceCanonicalString("GET", "/other", 1700000000, "abc123", body),
		InstanceCanonicalString("GET", "/path", 1700000001, "abc123", body),
		InstanceCanonicalString("GET", "/path", 1700000000, "def456", body),
	}
	for i, v := range variants {
		if VerifySignature(key, v, sig) {
			t.Fatalf("variant %d: expected tampered canonical string to invalidate signature", i)
		}
	}
}

func TestHasValidFormat(t *testing.T) {
	cases := map[string]bool{
		"sha256=abcd": true,
		"SHA256=abcd": true,
		"sha256=":     false,
		"":            false,
		"abcd":        false,
	}
	for sig, want := range cases {
		if got := HasValidFormat(sig); got != want {
			t.Fatalf("HasValidFormat(%q) = %v, want %v", sig, got, want)
		}
	}
}

func TestDeriveInstanceKeyScopesDistinct(t *testing.T) {
	token := []byte("some-secret")
	push := DeriveInstanceKey(ScopePush, token, "instance-1")
	client := DeriveInstanceKey(ScopeClient, token, "instance-1")
	if hex.EncodeToString(push) == hex.EncodeToString(client) {
		t.Fatalf("expected push and client derived keys to differ")
	}
}

func TestInstanceVerificationVector(t *testing.T) {
	tokenBytes := []byte("some-secret")
	instanceID := "11111111-1111-1111-1111-111111111111"
	key := DeriveInstanceKey(ScopeClient, tokenBytes, instanceID)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("GET\n/path\n1700000000\nnonce-value\n"))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	msg := InstanceCanonicalString("GET", "/path", 1700000000, "nonce-value", nil)
	if !VerifySignature(key, msg, want) {
		t.Fatalf("expected literal vector signature to verify")
	}
}
