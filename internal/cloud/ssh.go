package cloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHSession is a single, unpooled SSH connection to a runner VM. Every call
// to GetSSHConnection opens a fresh session (spec.md §4.1: "not pooled; each
// call opens a fresh session").
type SSHSession struct {
	client *ssh.Client
}

// Close releases the underlying connection.
func (s *SSHSession) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Run executes a command on the VM and returns its stdout.
func (s *SSHSession) Run(cmd string) ([]byte, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()
	return session.Output(cmd)
}

// ReadFile pulls a file's contents over SFTP-less cat, bounded by maxBytes;
// this matches the "plain JSON / Unix-epoch-seconds text" metric files
// (spec.md §6) which are size-bounded at 1 MiB.
func (s *SSHSession) ReadFile(path string, maxBytes int64) ([]byte, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := session.Start(fmt.Sprintf("cat %q", path)); err != nil {
		return nil, err
	}

	data, readErr := io.ReadAll(io.LimitReader(out, maxBytes+1))
	waitErr := session.Wait()
	if readErr != nil {
		return nil, readErr
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("file %s exceeds %d byte bound", path, maxBytes)
	}
	return data, nil
}

// CloudInitStatusSummary is the JSON shape the runner VM writes to
// CloudInitStatusPath.
type CloudInitStatusSummary struct {
	Status string `json:"status"`
}

// ReadCloudInitStatus reads and classifies the VM's cloud-init status.
func (s *SSHSession) ReadCloudInitStatus() (CloudInitStatus, error) {
	data, err := s.ReadFile(CloudInitStatusPath, 1<<20)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return CloudInitNotStarted, nil
	}
	var summary CloudInitStatusSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return CloudInitError, nil
	}
	switch summary.Status {
	case "running":
		return CloudInitRunning, nil
	case "done":
		return CloudInitDone, nil
	case "error":
		return CloudInitError, nil
	case "degraded":
		return CloudInitDegraded, nil
	case "disabled":
		return CloudInitDisabled, nil
	default:
		return CloudInitNotStarted, nil
	}
}

// ProcessPresent reports whether a process matching name is running on the
// VM, used by the Health Checker to detect the runner listener/worker
// (spec.md §4.3 step 5).
func (s *SSHSession) ProcessPresent(name string) (bool, error) {
	out, err := s.Run(fmt.Sprintf("pgrep -f %q", name))
	if err != nil {
		// pgrep exits non-zero when nothing matches; that's "not present",
		// not a connection failure.
		if len(out) == 0 {
			return false, nil
		}
		return false, err
	}
	return len(out) > 0, nil
}

// dialSSH tries each address in turn, opening a connection keyed by the
// instance's private keyfile, and runs a trivial liveness command
// (spec.md §4.1 "SSH contract").
func dialSSH(id InstanceId, addresses []string, privateKeyPEM []byte, timeout time.Duration) (*SSHSession, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, &KeyfileError{InstanceID: id, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            "ubuntu",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // runner VMs are ephemeral and unauthenticated by design
		Timeout:         timeout,
	}

	var lastErr error
	for _, addr := range addresses {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, "22"), timeout)
		if err != nil {
			lastErr = err
			continue
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		client := ssh.NewClient(sshConn, chans, reqs)
		session := &SSHSession{client: client}

		if _, err := session.Run("true"); err != nil {
			session.Close()
			lastErr = err
			continue
		}
		return session, nil
	}

	return nil, &SSHError{InstanceID: id, Err: lastErr}
}
