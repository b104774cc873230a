package signer

import (
	"testing"
	"time"
)

func TestVerifyWebhook(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"external_id":"abc123"}`)
	header := SignWebhook(body, secret)

	if !VerifyWebhook(body, header, secret) {
		t.Fatal("expected valid signature to verify")
	}
	if VerifyWebhook(body, header, []byte("wrong")) {
		t.Fatal("expected wrong secret to fail verification")
	}
	if VerifyWebhook([]byte("tampered"), header, secret) {
		t.Fatal("expected tampered body to fail verification")
	}
	if VerifyWebhook(body, "not-sha256=abc", secret) {
		t.Fatal("expected malformed header to fail verification")
	}
	if VerifyWebhook(body, "", secret) {
		t.Fatal("expected empty header to fail verification")
	}
}

func TestBearerRoundTrip(t *testing.T) {
	key := []byte("internal-key")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := IssueInternalBearer("orchestrator", "engineer", 30*time.Second, key, now)
	if err != nil {
		t.Fatalf("IssueInternalBearer: %v", err)
	}

	claims, err := VerifyInternalBearer(token, "engineer", key, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("VerifyInternalBearer: %v", err)
	}
	if claims.Issuer != "orchestrator" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestBearerExpired(t *testing.T) {
	key := []byte("internal-key")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token, _ := IssueInternalBearer("orchestrator", "engineer", 10*time.Second, key, now)

	_, err := VerifyInternalBearer(token, "engineer", key, now.Add(30*time.Second))
	if err == nil {
		t.Fatal("expected expired bearer to fail")
	}
}

func TestBearerBadAudience(t *testing.T) {
	key := []byte("internal-key")
	now := time.Now()
	token, _ := IssueInternalBearer("orchestrator", "engineer", time.Minute, key, now)

	_, err := VerifyInternalBearer(token, "finance_manager", key, now)
	if err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestBearerBadSignature(t *testing.T) {
	now := time.Now()
	token, _ := IssueInternalBearer("orchestrator", "engineer", time.Minute, []byte("key-a"), now)

	_, err := VerifyInternalBearer(token, "engineer", []byte("key-b"), now)
	if err == nil {
		t.Fatal("expected signature mismatch with different key to fail")
	}
}
