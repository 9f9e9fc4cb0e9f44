// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package deploy provides the transport layer of the reconciliation engine:
// connecting to managed hosts over SSH and writing their authorized_keys
// files atomically via SFTP. Host trust is pinned in the database; there is
// no silent trust-on-first-use.
package deploy // import "github.com/toeirei/keyfleet/internal/deploy"

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/state"
	"golang.org/x/crypto/ssh"
)

// Indirection points for tests: dialing and agent discovery are injectable
// so connection handling can be exercised without a network.
var (
	sshDial = func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial(network, addr, cfg)
	}
	sshAgentGetter = getSSHAgent
)

// DefaultAuthorizedKeysPath is used when no per-OS-family override is
// configured. SFTP paths are relative to the remote account's home.
const DefaultAuthorizedKeysPath = ".ssh/authorized_keys"

// Applier is what the engine needs from the transport layer: write the
// desired authorized_keys content for one remote account, or read the
// current content back for verification.
type Applier interface {
	Apply(host model.ManagedHost, remoteUser, content string) error
	Read(host model.ManagedHost, remoteUser string) (string, error)
}

// SSHApplier implements Applier over SSH/SFTP. One dial per apply; the
// engine's worker count bounds concurrent connections.
type SSHApplier struct {
	// PrivateKey is the PEM-encoded engine deploy key. When empty, or when
	// key auth is rejected, a running SSH agent is tried as a fallback.
	PrivateKey     string
	ConnectTimeout time.Duration
	// OpTimeout bounds a whole apply or read once connected. Zero means
	// no limit.
	OpTimeout time.Duration
	// Paths maps an OS family to its authorized_keys path. Missing
	// families fall back to DefaultAuthorizedKeysPath.
	Paths map[string]string
}

// withTimeout runs op, giving up after OpTimeout. The caller's deferred
// Close tears down the connection, which unblocks the abandoned operation.
func (a *SSHApplier) withTimeout(op func() error) error {
	if a.OpTimeout <= 0 {
		return op()
	}
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(a.OpTimeout):
		return WrapClass(ClassTransient, fmt.Errorf("remote operation timed out after %s", a.OpTimeout))
	}
}

// keysPath resolves the authorized_keys path for an OS family. A "%s"
// placeholder in the configured path expands to the remote username.
func (a *SSHApplier) keysPath(osFamily, remoteUser string) string {
	if p, ok := a.Paths[osFamily]; ok && p != "" {
		return strings.ReplaceAll(p, "%s", remoteUser)
	}
	return DefaultAuthorizedKeysPath
}

// Apply connects to the host and atomically replaces the account's
// authorized_keys file with content.
func (a *SSHApplier) Apply(host model.ManagedHost, remoteUser, content string) error {
	d, err := NewDeployer(host.Address, remoteUser, a.PrivateKey, a.ConnectTimeout)
	if err != nil {
		return err
	}
	defer d.Close()
	return a.withTimeout(func() error {
		return d.DeployAuthorizedKeys(a.keysPath(host.OSFamily, remoteUser), content)
	})
}

// Read connects to the host and returns the current authorized_keys content.
func (a *SSHApplier) Read(host model.ManagedHost, remoteUser string) (string, error) {
	d, err := NewDeployer(host.Address, remoteUser, a.PrivateKey, a.ConnectTimeout)
	if err != nil {
		return "", err
	}
	defer d.Close()
	var b []byte
	err = a.withTimeout(func() error {
		var readErr error
		b, readErr = d.ReadAuthorizedKeys(a.keysPath(host.OSFamily, remoteUser))
		return readErr
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Deployer holds one SSH connection and its SFTP channel.
type Deployer struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// hostKeyCallback verifies the presented host key against the pinned key in
// the database. Unknown hosts are rejected; trust is added explicitly via
// the trust-host command.
func hostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	presentedKey := string(ssh.MarshalAuthorizedKey(key))

	knownKey, err := db.GetKnownHostKey(host)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return WrapClass(ClassConfig, fmt.Errorf("unknown host key for %s. run 'keyfleet trust-host' to add it", host))
		}
		return fmt.Errorf("failed to query known_hosts database: %w", err)
	}

	if knownKey != presentedKey {
		return WrapClass(ClassConfig, fmt.Errorf("host key mismatch for %s: remote presented %s", host, strings.TrimSpace(presentedKey)))
	}
	return nil
}

// NewDeployer opens an SSH connection to host as user. The engine deploy
// key is tried first; on an auth rejection a running SSH agent is used as a
// fallback so a locked-out fleet can still be repaired interactively.
func NewDeployer(host, user, privateKey string, timeout time.Duration) (*Deployer, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	var finalErr error

	if privateKey != "" {
		signer, err := parseDeployKey(privateKey)
		if err != nil {
			return nil, WrapClass(ClassConfig, err)
		}

		config := &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		}

		client, err := sshDial("tcp", addr, config)
		if err == nil {
			return newDeployerFromClient(client)
		}
		if !strings.Contains(err.Error(), "unable to authenticate") {
			return nil, classifyDialError(err)
		}
		finalErr = err
	}

	agentClient := sshAgentGetter()
	if agentClient == nil {
		if finalErr != nil {
			return nil, WrapClass(ClassConfig, fmt.Errorf("deploy key authentication failed, and no SSH agent available for fallback: %w", finalErr))
		}
		return nil, WrapClass(ClassConfig, fmt.Errorf("no authentication method available (no deploy key configured and no ssh agent found)"))
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, err := sshDial("tcp", addr, config)
	if err != nil {
		return nil, classifyDialError(fmt.Errorf("connection with ssh agent failed: %w", err))
	}
	return newDeployerFromClient(client)
}

// parseDeployKey parses the PEM deploy key, consulting the in-memory
// passphrase cache for encrypted keys. The passphrase copy is wiped before
// returning.
func parseDeployKey(privateKey string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err == nil {
		return signer, nil
	}

	var passErr *ssh.PassphraseMissingError
	if !errors.As(err, &passErr) {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	passphrase := state.PassphraseCache.Get()
	if passphrase == nil {
		return nil, fmt.Errorf("unable to parse private key: key is encrypted and no passphrase is cached")
	}
	defer func() {
		for i := range passphrase {
			passphrase[i] = 0
		}
	}()

	signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

func newDeployerFromClient(client *ssh.Client) (*Deployer, error) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	return &Deployer{client: client, sftp: sftpClient}, nil
}

func classifyDialError(err error) error {
	return WrapClass(Classify(err), err)
}

// DeployAuthorizedKeys uploads content and moves it into place atomically.
// Pure SFTP so it works with restricted keys (command="internal-sftp").
func (d *Deployer) DeployAuthorizedKeys(keysPath, content string) error {
	dir := path.Dir(keysPath)

	_ = d.sftp.Mkdir(dir) // already existing is fine
	if err := d.sftp.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to chmod %s directory: %w", dir, err)
	}

	tmpPath := path.Join(dir, fmt.Sprintf("authorized_keys.keyfleet.%d", time.Now().UnixNano()))
	f, err := d.sftp.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to write to temporary file on remote: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to flush temporary file on remote: %w", err)
	}

	if err := d.sftp.Chmod(tmpPath, 0600); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}

	if err := d.sftp.Rename(tmpPath, keysPath); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to atomically rename authorized_keys file: %w", err)
	}

	return nil
}

// ReadAuthorizedKeys returns the current content of the remote file.
func (d *Deployer) ReadAuthorizedKeys(keysPath string) ([]byte, error) {
	f, err := d.sftp.Open(keysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", keysPath, err)
	}
	defer func() { _ = f.Close() }()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read from remote file %s: %w", keysPath, err)
	}
	return content, nil
}

// Close closes the underlying SSH and SFTP clients.
func (d *Deployer) Close() {
	if d.sftp != nil {
		_ = d.sftp.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

// GetRemoteHostKey connects to a host just to retrieve its public key, for
// the explicit trust-host flow.
func GetRemoteHostKey(host string) (ssh.PublicKey, error) {
	keyChan := make(chan ssh.PublicKey, 1)

	const probeMarker = "keyfleet: successfully retrieved host key"
	config := &ssh.ClientConfig{
		// No authentication needed; the handshake alone presents the key.
		User: "keyfleet-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			return errors.New(probeMarker)
		},
		Timeout: 5 * time.Second,
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	_, err := sshDial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), probeMarker) {
			return <-keyChan, nil
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	return nil, fmt.Errorf("ssh dial succeeded unexpectedly, could not retrieve key")
}
