package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	desopssshpool "github.com/desops/sshpool"
	"github.com/pkg/sftp"
	"github.com/tierctl/tierctl/pkg/common"
	"github.com/tierctl/tierctl/pkg/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTarget holds the connection parameters of one remote host.
type SSHTarget struct {
	Host           string
	Address        string
	Port           int
	User           string
	PrivateKeyFile string
}

// SSHConnection is a pooled SSH transport for one host, with SFTP for file
// operations. Sessions are borrowed from the pool per command.
type SSHConnection struct {
	target SSHTarget
	addr   string
	pool   *desopssshpool.Pool
	sftp   *desopssshpool.SFTPSession
}

// NewSSHConnection dials the target with bounded retries. Exhausted retries
// return the last dial error; the caller reports the host unreachable.
func NewSSHConnection(target SSHTarget, cfg *config.SSHConfig) (*SSHConnection, error) {
	clientConfig, err := buildClientConfig(target, cfg)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = cfg.Port
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	pool := desopssshpool.New(clientConfig, &desopssshpool.PoolConfig{
		MaxSessions:       10,
		MaxConnections:    5,
		SessionCloseDelay: 20 * time.Millisecond,
	})

	c := &SSHConnection{target: target, addr: addr, pool: pool}

	// Transient handshake flakes get a bounded retry; task actions never do.
	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	var dialErr error
	for attempt := 1; attempt <= retries; attempt++ {
		session, err := pool.Get(addr)
		if err == nil {
			session.Put()
			dialErr = nil
			break
		}
		dialErr = err
		common.LogWarn("SSH connect attempt failed", map[string]interface{}{
			"host":    target.Host,
			"addr":    addr,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt < retries {
			time.Sleep(cfg.ConnectDelay)
		}
	}
	if dialErr != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to dial %s after %d attempts: %w", addr, retries, dialErr)
	}

	sftpSession, err := pool.GetSFTP(addr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open SFTP session to %s: %w", addr, err)
	}
	c.sftp = sftpSession

	return c, nil
}

// buildClientConfig assembles auth methods: the host's private key file if
// declared, then the SSH agent if reachable.
func buildClientConfig(target SSHTarget, cfg *config.SSHConfig) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if target.PrivateKeyFile != "" {
		keyPath := expandHome(target.PrivateKeyFile)
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			common.LogWarn("Failed to read SSH private key file", map[string]interface{}{
				"host": target.Host, "key_path": keyPath, "error": err.Error(),
			})
		} else {
			signer, err := ssh.ParsePrivateKey(keyBytes)
			if err != nil {
				common.LogWarn("Failed to parse SSH private key file", map[string]interface{}{
					"host": target.Host, "key_path": keyPath, "error": err.Error(),
				})
			} else {
				authMethods = append(authMethods, ssh.PublicKeys(signer))
			}
		}
	}

	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			common.LogWarn("Failed to connect to SSH agent, continuing with other auth methods", map[string]interface{}{
				"host": target.Host, "error": err.Error(),
			})
		} else {
			agentClient := agent.NewClient(conn)
			authMethods = append(authMethods, ssh.PublicKeysCallback(agentClient.Signers))
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available for host %s", target.Host)
	}

	username := target.User
	if username == "" {
		username = cfg.User
	}
	if username == "" {
		return nil, fmt.Errorf("no SSH user configured for host %s", target.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKeyChecking {
		path := cfg.KnownHosts
		if path == "" {
			path = "~/.ssh/known_hosts"
		}
		path = expandHome(path)
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts file %s: %w", path, err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// expandHome resolves a leading ~/ against the current user's home directory.
func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

func (c *SSHConnection) ExecuteCommand(command string, opts *CommandOptions) (*CommandResult, error) {
	session, err := c.pool.Get(c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get SSH session from pool for host %s: %w", c.target.Host, err)
	}
	defer session.Put()

	cmdToRun := buildCommand(command, opts)
	common.DebugOutput("Running remote command on %s: %s", c.target.Host, cmdToRun)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmdToRun)
	rc := 0
	if err != nil {
		if exitError, ok := err.(*ssh.ExitError); ok {
			rc = exitError.ExitStatus()
			// Nonzero exit is an action-level result, not a transport error.
			return NewCommandResult(cmdToRun, rc, stdout.String(), stderr.String(),
				fmt.Errorf("remote command exited %d on host %s", rc, c.target.Host)), nil
		}
		return nil, fmt.Errorf("failed to run remote command on host %s: %w", c.target.Host, err)
	}

	return NewCommandResult(cmdToRun, rc, stdout.String(), stderr.String(), nil), nil
}

func (c *SSHConnection) WriteFile(remotePath, data string) error {
	remoteDir := filepath.Dir(remotePath)
	if err := c.sftp.MkdirAll(remoteDir); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create remote directory %s on %s: %w", remoteDir, c.target.Host, err)
	}

	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s on %s: %w", remotePath, c.target.Host, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			common.LogWarn("Failed to close remote file", map[string]interface{}{
				"file": remotePath, "host": c.target.Host, "error": err.Error(),
			})
		}
	}()

	if _, err := f.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write data to remote file %s on %s: %w", remotePath, c.target.Host, err)
	}
	return nil
}

func (c *SSHConnection) ReadFile(remotePath string) ([]byte, error) {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, sftp.ErrSSHFxNoSuchFile) {
			return nil, fmt.Errorf("file not found %s on host %s: %w", remotePath, c.target.Host, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open remote file %s on %s: %w", remotePath, c.target.Host, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			common.LogWarn("Failed to close remote file", map[string]interface{}{
				"file": remotePath, "host": c.target.Host, "error": err.Error(),
			})
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s on %s: %w", remotePath, c.target.Host, err)
	}
	return data, nil
}

func (c *SSHConnection) SetFileMode(path, modeStr string) error {
	mode, err := parseFileMode(modeStr)
	if err != nil {
		return err
	}
	if err := c.sftp.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set mode %s on remote file %s on %s: %w", modeStr, path, c.target.Host, err)
	}
	return nil
}

// Stat retrieves remote file information via SFTP.
func (c *SSHConnection) Stat(path string, follow bool) (os.FileInfo, error) {
	var info os.FileInfo
	var err error
	if follow {
		info, err = c.sftp.Stat(path)
	} else {
		info, err = c.sftp.Lstat(path)
	}
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, sftp.ErrSSHFxNoSuchFile) {
			return nil, fmt.Errorf("stat %s on host %s: %w", path, c.target.Host, os.ErrNotExist)
		}
		return nil, err
	}
	return info, nil
}

func (c *SSHConnection) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
