package models

import (
	"testing"
	"time"
)

func TestTokenRecord_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	expired := TokenRecord{ExpiresAt: &past}
	if !expired.Expired(now) {
		t.Error("expected token with past ExpiresAt to be expired")
	}

	valid := TokenRecord{ExpiresAt: &future}
	if valid.Expired(now) {
		t.Error("did not expect token with future ExpiresAt to be expired")
	}

	noExpiry := TokenRecord{}
	if noExpiry.Expired(now) {
		t.Error("did not expect token with nil ExpiresAt to be expired")
	}
}

func TestTokenRecord_HasRefresh(t *testing.T) {
	if (TokenRecord{}).HasRefresh() {
		t.Error("expected no refresh token by default")
	}
	if !(TokenRecord{RefreshCiphertext: "ct"}).HasRefresh() {
		t.Error("expected HasRefresh to be true when RefreshCiphertext is set")
	}
}
