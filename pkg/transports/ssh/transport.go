// Package ssh provides SFTP file access over SSH.
//
// The flat-file connector uses it to read and rewrite its data file on a
// remote host. A Client holds one SSH connection and one SFTP session, both
// opened by Connect and re-established on the next call after a failure.
package ssh

import (
	"context"
	"time"
)

// FileTransport reads and writes whole files on a remote host.
type FileTransport interface {
	// Connect establishes the SSH connection and the SFTP session.
	Connect(ctx context.Context) error

	// Disconnect closes the session and the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ReadFile returns the content of a remote file. A missing file yields
	// an error matching os.ErrNotExist.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// WriteFile replaces a remote file atomically: the data is written to a
	// sibling temporary file that is then renamed over the target.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "read", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
