// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

const testKeyData = "AAAAC3NzaC1lZDI1NTE5AAAAIDdXQvNXK0s0uiRcDx2Mkk2TcIHJ0nGmu3/JpWJi3e6L"

func TestParse_PlainKey(t *testing.T) {
	alg, data, comment, err := Parse("ssh-ed25519 " + testKeyData + " alice@laptop")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if alg != "ssh-ed25519" {
		t.Errorf("algorithm = %q, want ssh-ed25519", alg)
	}
	if data != testKeyData {
		t.Errorf("key data mismatch: %q", data)
	}
	if comment != "alice@laptop" {
		t.Errorf("comment = %q, want alice@laptop", comment)
	}
}

func TestParse_WithOptions(t *testing.T) {
	raw := `from="10.0.0.0/8",no-agent-forwarding ssh-ed25519 ` + testKeyData + ` alice work key`
	alg, _, comment, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if alg != "ssh-ed25519" {
		t.Errorf("algorithm = %q, want ssh-ed25519", alg)
	}
	if comment != "alice work key" {
		t.Errorf("comment = %q, want 'alice work key'", comment)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-a-key at all", "ssh-ed25519"} {
		if _, _, _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("ssh-ed25519 " + testKeyData + " c"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := Validate("ssh-dss " + testKeyData); err == nil {
		t.Error("unsupported algorithm accepted")
	}
	if err := Validate("ssh-ed25519 not!!base64"); err == nil {
		t.Error("bad base64 accepted")
	}
}

func TestFingerprint_MatchesBlobDigest(t *testing.T) {
	fp, err := Fingerprint("ssh-ed25519 " + testKeyData + " alice@laptop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blob, _ := base64.StdEncoding.DecodeString(testKeyData)
	sum := sha256.Sum256(blob)
	want := hex.EncodeToString(sum[:])
	if fp != want {
		t.Errorf("fingerprint = %s, want %s", fp, want)
	}
	if fp != strings.ToLower(fp) {
		t.Error("fingerprint must be lowercase hex")
	}
}

func TestFingerprint_IgnoresCommentAndOptions(t *testing.T) {
	a, _ := Fingerprint("ssh-ed25519 " + testKeyData + " one")
	b, _ := Fingerprint(`from="1.2.3.4" ssh-ed25519 ` + testKeyData + ` two`)
	if a != b {
		t.Errorf("fingerprint should depend only on key data: %s != %s", a, b)
	}
}

func TestBitLength(t *testing.T) {
	if got := BitLength("ssh-ed25519"); got != 256 {
		t.Errorf("ed25519 = %d, want 256", got)
	}
	if got := BitLength("ecdsa-sha2-nistp521"); got != 521 {
		t.Errorf("nistp521 = %d, want 521", got)
	}
	if got := BitLength("ssh-weird"); got != 0 {
		t.Errorf("unknown = %d, want 0", got)
	}
}
