// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package render turns a set of deployable SSH keys into canonical
// authorized_keys file content and its checksum. It is pure and performs
// no I/O; the same key set always yields the same bytes regardless of
// insertion order, platform or locale.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/toeirei/keyfleet/internal/model"
)

// Result is the rendered desired state for one mapping.
type Result struct {
	Content  string
	Checksum string
	KeyCount int
}

// AuthorizedKeys renders the canonical authorized_keys content for the
// given keys. Callers pass only deployable keys (active and unexpired);
// the renderer sorts a copy by fingerprint so the byte sequence is stable.
//
// Zero keys is a legitimate desired state (a user whose last key was just
// revoked): it renders empty content with the checksum of the empty string
// and must still be deployed to clear the remote file.
func AuthorizedKeys(keys []model.SSHKey) Result {
	sorted := make([]model.SSHKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Fingerprint < sorted[j].Fingerprint
	})

	var b strings.Builder
	for _, key := range sorted {
		if opts := strings.TrimSpace(key.Options); opts != "" {
			b.WriteString(opts)
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(key.PublicKey))
		b.WriteString("\n")
	}

	content := b.String()
	return Result{
		Content:  content,
		Checksum: Checksum(content),
		KeyCount: len(sorted),
	}
}

// Checksum returns the lowercase hex SHA-256 digest of the content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
