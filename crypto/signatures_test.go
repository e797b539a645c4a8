package crypto

import "testing"

func TestSignFieldsVerifies(t *testing.T) {
	identity, err := NewEphemeralIdentity()
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}

	sig, err := SignFields(identity.SigningKey, "sechat-identity", "alice", "key")
	if err != nil {
		t.Fatalf("SignFields failed: %v", err)
	}
	if !VerifyFields(identity.VerifyKey, sig, "sechat-identity", "alice", "key") {
		t.Fatalf("expected signature to verify")
	}
	if VerifyFields(identity.VerifyKey, sig, "sechat-identity", "mallory", "key") {
		t.Fatalf("expected signature over different fields to fail")
	}
	if VerifyFields(identity.VerifyKey, sig[:10]) {
		t.Fatalf("expected truncated signature to fail")
	}
}

func TestSignFieldsRejectsBadInput(t *testing.T) {
	identity, err := NewEphemeralIdentity()
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	if _, err := SignFields(identity.SigningKey[:5], "x"); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	if _, err := SignFields(identity.SigningKey); err == nil {
		t.Fatalf("expected empty field list to be rejected")
	}
}
