package signature

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/agentdispatch/hub/internal/model"
)

func signRequest(t *testing.T, priv ed25519.PrivateKey, method, path, host string, date time.Time) (string, string) {
	t.Helper()
	dateHeader := FormatDate(date)
	signingString := CanonicalSigningString(method, path, host, dateHeader)
	sig := ed25519.Sign(priv, []byte(signingString))
	return dateHeader, BuildSignatureHeader("agent-1", sig)
}

func TestVerifierVerifySuccess(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		if keyID != "agent-1" {
			return nil, nil, false
		}
		return pub, nil, true
	}, false)
	v.now = func() time.Time { return fixedNow }

	dateHeader, sigHeader := signRequest(t, priv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", fixedNow)

	if err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerifierVerifyWrongKeyFails(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return otherPub, nil, true
	}, false)
	v.now = func() time.Time { return fixedNow }

	dateHeader, sigHeader := signRequest(t, priv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", fixedNow)

	err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader)
	if model.KindOf(err) != model.ErrSignatureFailed {
		t.Fatalf("Verify() kind = %v, want %v", model.KindOf(err), model.ErrSignatureFailed)
	}
}

func TestVerifierKeyRotationGraceWindow(t *testing.T) {
	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return newPub, oldPub, true
	}, false)
	v.now = func() time.Time { return fixedNow }

	dateHeader, sigHeader := signRequest(t, oldPriv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", fixedNow)

	if err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader); err != nil {
		t.Fatalf("Verify() with previous key during grace window = %v, want nil", err)
	}
}

func TestVerifierClockSkewRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifyAt := signedAt.Add(10 * time.Minute)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return pub, nil, true
	}, false)
	v.now = func() time.Time { return verifyAt }

	dateHeader, sigHeader := signRequest(t, priv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", signedAt)

	err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader)
	if model.KindOf(err) != model.ErrSignatureFailed {
		t.Fatalf("Verify() with excess clock skew kind = %v, want %v", model.KindOf(err), model.ErrSignatureFailed)
	}
}

func TestVerifierUnregisteredSenderDefaultRejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return nil, nil, false
	}, false)
	v.now = func() time.Time { return fixedNow }

	dateHeader, sigHeader := signRequest(t, priv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", fixedNow)

	err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader)
	if err == nil {
		t.Fatal("Verify() with unregistered sender and allowUnregisteredSenders=false should fail")
	}
}

func TestVerifierUnregisteredSenderAllowed(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return nil, nil, false
	}, true)
	v.now = func() time.Time { return fixedNow }

	dateHeader, sigHeader := signRequest(t, priv, "POST", "/api/agents/agent-2/inbox", "hub.example.com", fixedNow)

	if err := v.Verify("POST", "/api/agents/agent-2/inbox", "hub.example.com", dateHeader, sigHeader); err != nil {
		t.Fatalf("Verify() with allowUnregisteredSenders=true = %v, want nil", err)
	}
}

func TestParseHeaderMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"missing keyId", `algorithm="ed25519",headers="(request-target) host date",signature="abc"`},
		{"unsupported algorithm", `keyId="agent-1",algorithm="rsa",headers="(request-target) host date",signature="abc"`},
		{"missing signature", `keyId="agent-1",algorithm="ed25519",headers="(request-target) host date"`},
		{"non-base64 signature", `keyId="agent-1",algorithm="ed25519",signature="not base64!!"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHeader(tt.value); err == nil {
				t.Errorf("ParseHeader(%q) = nil error, want error", tt.value)
			}
		})
	}
}
