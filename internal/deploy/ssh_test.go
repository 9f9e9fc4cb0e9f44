// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func TestNewDeployer_NoAuthAvailable(t *testing.T) {
	origAgent := sshAgentGetter
	defer func() { sshAgentGetter = origAgent }()
	sshAgentGetter = func() agent.Agent { return nil }

	_, err := NewDeployer("web-01.example.com", "deploy", "", 0)
	if err == nil {
		t.Fatalf("expected error without deploy key or agent")
	}
	if Classify(err) != ClassConfig {
		t.Fatalf("missing auth must classify as config, got %s", Classify(err))
	}
}

func TestNewDeployer_AgentDialTimeoutIsTransient(t *testing.T) {
	origDial := sshDial
	origAgent := sshAgentGetter
	defer func() { sshDial = origDial; sshAgentGetter = origAgent }()

	sshAgentGetter = func() agent.Agent { return agent.NewKeyring() }
	sshDial = func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, fmt.Errorf("dial tcp 10.0.0.5:22: i/o timeout")
	}

	_, err := NewDeployer("10.0.0.5", "deploy", "", 0)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if Classify(err) != ClassTransient {
		t.Fatalf("dial timeout must classify as transient, got %s", Classify(err))
	}
}

func TestNewDeployer_AddsDefaultPort(t *testing.T) {
	origDial := sshDial
	origAgent := sshAgentGetter
	defer func() { sshDial = origDial; sshAgentGetter = origAgent }()

	var dialedAddr string
	sshAgentGetter = func() agent.Agent { return agent.NewKeyring() }
	sshDial = func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		dialedAddr = addr
		return nil, fmt.Errorf("dial tcp: connection refused")
	}

	_, _ = NewDeployer("web-01.example.com", "deploy", "", 0)
	if dialedAddr != "web-01.example.com:22" {
		t.Fatalf("expected default port 22, dialed %q", dialedAddr)
	}

	_, _ = NewDeployer("web-01.example.com:2222", "deploy", "", 0)
	if dialedAddr != "web-01.example.com:2222" {
		t.Fatalf("expected explicit port preserved, dialed %q", dialedAddr)
	}
}

func TestNewDeployer_GarbageKeyRejected(t *testing.T) {
	_, err := NewDeployer("web-01.example.com", "deploy", "not a pem key", 0)
	if err == nil {
		t.Fatalf("expected key parse error")
	}
	if !strings.Contains(err.Error(), "unable to parse private key") {
		t.Fatalf("unexpected error: %v", err)
	}
	if Classify(err) != ClassConfig {
		t.Fatalf("bad key must classify as config, got %s", Classify(err))
	}
}

func TestSSHApplier_KeysPathPerOSFamily(t *testing.T) {
	a := &SSHApplier{Paths: map[string]string{
		"freebsd": ".ssh/authorized_keys",
		"custom":  "/etc/keyfleet/authorized_keys",
	}}

	if got := a.keysPath("custom", "deploy"); got != "/etc/keyfleet/authorized_keys" {
		t.Fatalf("override path not used: %q", got)
	}
	if got := a.keysPath("linux", "deploy"); got != DefaultAuthorizedKeysPath {
		t.Fatalf("unknown family must use default path, got %q", got)
	}
	var none *SSHApplier = &SSHApplier{}
	if got := none.keysPath("linux", "deploy"); got != DefaultAuthorizedKeysPath {
		t.Fatalf("nil path map must use default path, got %q", got)
	}
}

func TestSSHApplier_KeysPathExpandsUsername(t *testing.T) {
	a := &SSHApplier{Paths: map[string]string{
		"linux": "/home/%s/.ssh/authorized_keys",
		"plain": "/srv/keys/authorized_keys",
	}}

	if got := a.keysPath("linux", "alice"); got != "/home/alice/.ssh/authorized_keys" {
		t.Fatalf("username placeholder not expanded: %q", got)
	}
	if got := a.keysPath("linux", "deploy"); got != "/home/deploy/.ssh/authorized_keys" {
		t.Fatalf("username placeholder not expanded: %q", got)
	}
	if got := a.keysPath("plain", "alice"); got != "/srv/keys/authorized_keys" {
		t.Fatalf("path without placeholder must pass through: %q", got)
	}
}

func TestSSHApplier_OpTimeout(t *testing.T) {
	a := &SSHApplier{OpTimeout: 20 * time.Millisecond}

	release := make(chan struct{})
	err := a.withTimeout(func() error {
		<-release
		return nil
	})
	close(release)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if Classify(err) != ClassTransient {
		t.Fatalf("timeout must classify as transient, got %s", Classify(err))
	}

	wantErr := errors.New("op failed")
	if err := a.withTimeout(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("fast op error not passed through: %v", err)
	}

	unlimited := &SSHApplier{}
	if err := unlimited.withTimeout(func() error { return nil }); err != nil {
		t.Fatalf("zero timeout must run op directly: %v", err)
	}
}
