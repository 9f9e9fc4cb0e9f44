// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"strings"
	"testing"
	"time"
)

const testKeyData = "AAAAC3NzaC1lZDI1NTE5AAAAIDdXQvNXK0s0uiRcDx2Mkk2TcIHJ0nGmu3/JpWJi3e6L"

func TestBuildKeyRecord_CanonicalForm(t *testing.T) {
	raw := "  ssh-ed25519   " + testKeyData + "   alice@laptop  "
	key, err := buildKeyRecord(7, raw, "", nil)
	if err != nil {
		t.Fatalf("buildKeyRecord failed: %v", err)
	}
	if key.UserID != 7 {
		t.Errorf("UserID = %d, want 7", key.UserID)
	}
	if key.PublicKey != "ssh-ed25519 "+testKeyData+" alice@laptop" {
		t.Errorf("public key not canonicalized: %q", key.PublicKey)
	}
	if key.Algorithm != "ssh-ed25519" {
		t.Errorf("Algorithm = %q", key.Algorithm)
	}
	if key.BitLength != 256 {
		t.Errorf("BitLength = %d, want 256", key.BitLength)
	}
	if key.Comment != "alice@laptop" {
		t.Errorf("Comment = %q", key.Comment)
	}
	if len(key.Fingerprint) != 64 || strings.ToLower(key.Fingerprint) != key.Fingerprint {
		t.Errorf("fingerprint is not lowercase hex sha256: %q", key.Fingerprint)
	}
	if key.Status != "active" {
		t.Errorf("Status = %q, want active", key.Status)
	}
	if key.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", key.ExpiresAt)
	}
}

func TestBuildKeyRecord_OptionsAndExpiry(t *testing.T) {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	key, err := buildKeyRecord(1, "ssh-ed25519 "+testKeyData, `from="10.0.0.0/8"`, &expires)
	if err != nil {
		t.Fatalf("buildKeyRecord failed: %v", err)
	}
	if key.Options != `from="10.0.0.0/8"` {
		t.Errorf("Options = %q", key.Options)
	}
	if key.ExpiresAt == nil || !key.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", key.ExpiresAt, expires)
	}
	if key.Comment != "" {
		t.Errorf("Comment = %q, want empty", key.Comment)
	}
}

func TestBuildKeyRecord_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no key type", "this is not a key"},
		{"unknown algorithm", "ssh-dss " + testKeyData},
		{"bad base64", "ssh-ed25519 not!base64!!"},
		{"missing key data", "ssh-ed25519"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildKeyRecord(1, tc.raw, "", nil); err == nil {
				t.Errorf("buildKeyRecord(%q) succeeded, want error", tc.raw)
			}
		})
	}
}
