package flatfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/transports/ssh"
)

// backend reads and replaces the whole file.
type backend interface {
	// read returns nil data when the file does not exist yet.
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, data []byte) error
	ping(ctx context.Context) error
	close() error
	// location identifies the file for locking.
	location() string
}

type localBackend struct {
	path string
	mode os.FileMode
}

func (b *localBackend) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *localBackend) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(b.mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *localBackend) ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(b.path))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filepath.Dir(b.path))
	}
	return nil
}

func (b *localBackend) close() error { return nil }

func (b *localBackend) location() string { return "file://" + b.path }

type remoteBackend struct {
	transport ssh.FileTransport
	host      string
	path      string
	mode      os.FileMode
}

func newRemoteBackend(instance engine.ConnectorInstance, path string, mode os.FileMode) (*remoteBackend, error) {
	host := instance.StringProperty("host", "")
	cfg := ssh.DefaultConfig(host, instance.StringProperty("user", ""))
	cfg.Port = instance.IntProperty("port", cfg.Port)
	if password := instance.StringProperty("password", ""); password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = password
	} else {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = instance.StringProperty("privateKeyPath", cfg.PrivateKeyPath)
		cfg.PrivateKeyPassphrase = instance.StringProperty("privateKeyPassphrase", "")
	}
	cfg.KnownHostsPath = instance.StringProperty("knownHostsPath", cfg.KnownHostsPath)
	if _, ok := instance.Properties["strictHostKeyChecking"]; ok {
		cfg.StrictHostKeyChecking = instance.BoolProperty("strictHostKeyChecking")
	}
	if proxy := instance.StringProperty("proxyHost", ""); proxy != "" {
		cfg.ProxyHost = proxy
		cfg.ProxyPort = instance.IntProperty("proxyPort", 22)
		cfg.ProxyUser = instance.StringProperty("proxyUser", cfg.User)
		cfg.ProxyAuthMethod = cfg.AuthMethod
		cfg.ProxyPassword = cfg.Password
		cfg.ProxyPrivateKeyPath = cfg.PrivateKeyPath
	}

	client, err := ssh.NewSSHClient(cfg)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid SFTP settings for %s", instance.Key), err)
	}
	return &remoteBackend{transport: client, host: cfg.Address(), path: path, mode: mode}, nil
}

func (b *remoteBackend) read(ctx context.Context) ([]byte, error) {
	data, err := b.transport.ReadFile(ctx, b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *remoteBackend) write(ctx context.Context, data []byte) error {
	return b.transport.WriteFile(ctx, b.path, data, uint32(b.mode))
}

func (b *remoteBackend) ping(ctx context.Context) error {
	if !b.transport.IsConnected() {
		return b.transport.Connect(ctx)
	}
	return b.transport.HealthCheck(ctx)
}

func (b *remoteBackend) close() error { return b.transport.Disconnect() }

func (b *remoteBackend) location() string { return "sftp://" + b.host + b.path }

// ioError marks temporary transport failures as a broken connection so the
// pool discards the handle and the call can be re-attempted.
func ioError(op, location string, err error) error {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return fmt.Errorf("failed to %s %s: %w: %w", op, location, engine.ErrConnectionBroken, err)
	}
	return fmt.Errorf("failed to %s %s: %w", op, location, err)
}
