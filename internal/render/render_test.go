// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package render

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/toeirei/keyfleet/internal/model"
)

func key(fp, pub, opts string) model.SSHKey {
	return model.SSHKey{Fingerprint: fp, PublicKey: pub, Options: opts, Status: model.KeyStatusActive}
}

func TestAuthorizedKeys_StableOrder(t *testing.T) {
	a := key("aaaa", "ssh-ed25519 AAAA1 alice@one", "")
	b := key("bbbb", "ssh-ed25519 AAAA2 alice@two", "")
	c := key("cccc", "ssh-ed25519 AAAA3 alice@three", "")

	r1 := AuthorizedKeys([]model.SSHKey{c, a, b})
	r2 := AuthorizedKeys([]model.SSHKey{b, c, a})

	if r1.Content != r2.Content {
		t.Fatalf("content differs for same key set:\n%q\n%q", r1.Content, r2.Content)
	}
	if r1.Checksum != r2.Checksum {
		t.Fatalf("checksum differs for same key set")
	}
	lines := strings.Split(strings.TrimRight(r1.Content, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "AAAA1") || !strings.Contains(lines[2], "AAAA3") {
		t.Errorf("lines not in fingerprint order: %v", lines)
	}
}

func TestAuthorizedKeys_DoesNotMutateInput(t *testing.T) {
	in := []model.SSHKey{key("zz", "ssh-ed25519 Z z", ""), key("aa", "ssh-ed25519 A a", "")}
	AuthorizedKeys(in)
	if in[0].Fingerprint != "zz" {
		t.Error("input slice was reordered")
	}
}

func TestAuthorizedKeys_OptionsPrefix(t *testing.T) {
	r := AuthorizedKeys([]model.SSHKey{
		key("aa", "ssh-ed25519 AAAA alice@laptop", `from="10.0.0.0/8",no-pty`),
	})
	want := `from="10.0.0.0/8",no-pty ssh-ed25519 AAAA alice@laptop` + "\n"
	if r.Content != want {
		t.Errorf("content = %q, want %q", r.Content, want)
	}
	if r.KeyCount != 1 {
		t.Errorf("key count = %d, want 1", r.KeyCount)
	}
}

func TestAuthorizedKeys_Empty(t *testing.T) {
	r := AuthorizedKeys(nil)
	if r.Content != "" {
		t.Errorf("empty key set must render empty content, got %q", r.Content)
	}
	sum := sha256.Sum256(nil)
	if r.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum of empty content = %s, want sha256 of empty string", r.Checksum)
	}
	if r.KeyCount != 0 {
		t.Errorf("key count = %d, want 0", r.KeyCount)
	}
}

func TestAuthorizedKeys_FixedLineTerminator(t *testing.T) {
	r := AuthorizedKeys([]model.SSHKey{key("aa", "ssh-ed25519 AAAA c", "")})
	if strings.Contains(r.Content, "\r") {
		t.Error("content must use bare \\n line terminators")
	}
	if !strings.HasSuffix(r.Content, "\n") {
		t.Error("content must end with a newline")
	}
}
