// Package signer implements webhook HMAC verification and short-lived
// internal bearer tokens used for agent-to-agent calls. The bearer format
// is intentionally tiny and HS256-only, built on crypto/hmac.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

const clockSkew = 5 * time.Second

// VerifyWebhook checks header (expected form "sha256=<hex>") against the
// HMAC-SHA256 of body using secret, in constant time. It returns false for
// any malformed, missing, or mismatched header rather than erroring, since
// callers only need a boolean admission decision.
func VerifyWebhook(body []byte, header string, secret []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// SignWebhook produces the "sha256=<hex>" header value for body, used by
// tests and by any internal component that re-signs outbound callbacks.
func SignWebhook(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Claims describes an internal bearer token's payload.
type Claims struct {
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// IssueInternalBearer mints a short-lived (ttl ≤ 60s enforced by caller
// policy) HS256-signed bearer token for agent-to-agent calls.
func IssueInternalBearer(issuer, audience string, ttl time.Duration, key []byte, now time.Time) (string, error) {
	claims := Claims{
		Issuer:    issuer,
		Audience:  audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "marshal bearer claims", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return body + "." + sig, nil
}

// VerifyInternalBearer validates token against key and expectedAudience as
// of now, returning the decoded claims on success.
func VerifyInternalBearer(token, expectedAudience string, key []byte, now time.Time) (Claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "malformed bearer token")
	}
	body, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(body))
	want := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(want, got) != 1 {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "bad bearer signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "bad bearer payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "bad bearer claims")
	}

	if claims.Audience != expectedAudience {
		return Claims{}, engineerr.New(engineerr.Unauthorized, fmt.Sprintf("bad audience: %s", claims.Audience))
	}
	expiresAt := time.Unix(claims.ExpiresAt, 0)
	if now.After(expiresAt.Add(clockSkew)) {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "bearer expired")
	}
	issuedAt := time.Unix(claims.IssuedAt, 0)
	if now.Before(issuedAt.Add(-clockSkew)) {
		return Claims{}, engineerr.New(engineerr.Unauthorized, "bearer issued in the future")
	}
	return claims, nil
}
