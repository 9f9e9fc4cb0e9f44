// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package sshkey provides parsing and fingerprinting for OpenSSH public key
// material as it appears in authorized_keys files.
package sshkey

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// knownAlgorithms is the set of key types the engine accepts.
var knownAlgorithms = map[string]bool{
	"ssh-rsa":             true,
	"ssh-ed25519":         true,
	"ecdsa-sha2-nistp256": true,
	"ecdsa-sha2-nistp384": true,
	"ecdsa-sha2-nistp521": true,
}

// Parse splits a raw public key string (like one from an authorized_keys file)
// into its three core components: algorithm, key data, and comment.
// It correctly handles leading options in the line (e.g., from="...",command="...").
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}

	keyStartIndex := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") {
			keyStartIndex = i
			break
		}
	}

	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}

	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}

	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}

	return
}

// Validate reports whether the raw public key line has a known algorithm and
// base64-decodable key data.
func Validate(rawKey string) error {
	algorithm, keyData, _, err := Parse(rawKey)
	if err != nil {
		return err
	}
	if !knownAlgorithms[algorithm] {
		return fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
	if _, err := base64.StdEncoding.DecodeString(keyData); err != nil {
		return fmt.Errorf("invalid key data: %w", err)
	}
	return nil
}

// Fingerprint computes the lowercase hex SHA-256 digest of the decoded key
// blob. This matches the portal's fingerprint_sha256 column and is the
// stable sort key for rendered authorized_keys content.
func Fingerprint(rawKey string) (string, error) {
	_, keyData, _, err := Parse(rawKey)
	if err != nil {
		return "", err
	}
	blob, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return "", fmt.Errorf("invalid key data: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// BitLength returns the nominal bit length for a known algorithm, used for
// display and policy checks. Unknown algorithms report zero.
func BitLength(algorithm string) int {
	switch algorithm {
	case "ssh-ed25519", "ecdsa-sha2-nistp256":
		return 256
	case "ecdsa-sha2-nistp384":
		return 384
	case "ecdsa-sha2-nistp521":
		return 521
	case "ssh-rsa":
		return 2048
	}
	return 0
}
