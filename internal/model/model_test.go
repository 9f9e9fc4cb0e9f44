// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"testing"
	"time"
)

func TestSSHKey_Deployable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		key  SSHKey
		want bool
	}{
		{"active no expiry", SSHKey{Status: KeyStatusActive}, true},
		{"active future expiry", SSHKey{Status: KeyStatusActive, ExpiresAt: &future}, true},
		{"active past expiry", SSHKey{Status: KeyStatusActive, ExpiresAt: &past}, false},
		{"active expiring now", SSHKey{Status: KeyStatusActive, ExpiresAt: &now}, false},
		{"revoked", SSHKey{Status: KeyStatusRevoked}, false},
		{"deprecated", SSHKey{Status: KeyStatusDeprecated}, false},
		{"expired status", SSHKey{Status: KeyStatusExpired, ExpiresAt: &future}, false},
	}
	for _, tc := range cases {
		if got := tc.key.Deployable(now); got != tc.want {
			t.Errorf("%s: Deployable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	if PriorityEmergency <= PriorityUser || PriorityUser <= PriorityRoutine {
		t.Fatalf("priority constants must be strictly ordered: emergency=%d user=%d routine=%d",
			PriorityEmergency, PriorityUser, PriorityRoutine)
	}
}
