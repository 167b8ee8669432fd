package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/provisio/pkg/telemetry"
)

var _ FileTransport = (*SSHClient)(nil)

// SSHClient implements FileTransport over one SSH connection.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{
		config: config,
		logger: telemetry.ComponentLogger("sftp").With().Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection and opens the SFTP session.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		c.client, err = dial(ctx, c.config.Address(), clientConfig)
	}
	if err != nil {
		return err
	}

	session, err := sftp.NewClient(c.client)
	if err != nil {
		c.closeLocked()
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to start SFTP subsystem: %w", err), IsTemporary: true}
	}
	c.sftp = session
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(c.client, c.stop)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SFTP session established")
	return nil
}

func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	return handshake(conn, address, clientConfig)
}

func handshake(conn net.Conn, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectViaProxy establishes the connection through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  c.config.ProxyHost,
		Port:                  c.config.ProxyPort,
		User:                  c.config.ProxyUser,
		AuthMethod:            c.config.ProxyAuthMethod,
		Password:              c.config.ProxyPassword,
		PrivateKeyPath:        c.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.config.ConnectionTimeout,
		StrictHostKeyChecking: c.config.StrictHostKeyChecking,
		KnownHostsPath:        c.config.KnownHostsPath,
	}
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to jump host")
	proxy, err := dial(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	conn, err := proxy.Dial("tcp", c.config.Address())
	if err != nil {
		_ = proxy.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}
	client, err := handshake(conn, c.config.Address(), targetConfig)
	if err != nil {
		_ = proxy.Close()
		return err
	}
	c.proxy = proxy
	c.client = client
	return nil
}

// Disconnect closes the SFTP session and the SSH connection.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected {
		return nil
	}
	c.logger.Debug().Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	var firstErr error
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		firstErr = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.isConnected = false
	return firstErr
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the SFTP session answers.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.sftp == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ping()
}

// ping stats the working directory. SFTP-only accounts cannot run commands,
// so the session itself is probed. Must be called with the lock held.
func (c *SSHClient) ping() error {
	if c.sftp == nil {
		return fmt.Errorf("no SFTP session")
	}
	if _, err := c.sftp.Getwd(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, marking connection broken")
				c.connMu.Lock()
				if c.client == client {
					c.isConnected = false
				}
				c.connMu.Unlock()
				return
			}
			continue
		}
		retries = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// session returns the SFTP client, reconnecting when the previous
// connection was lost.
func (c *SSHClient) session(ctx context.Context) (*sftp.Client, error) {
	c.connMu.Lock()
	if c.isConnected && c.sftp != nil {
		c.lastUsedAt = time.Now()
		s := c.sftp
		c.connMu.Unlock()
		return s, nil
	}
	c.connMu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.sftp == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.sftp, nil
}
