package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// ReadFile implements FileTransport.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	f, err := s.Open(remotePath)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return nil, c.fail("read", fmt.Errorf("failed to open %s: %w", remotePath, err))
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, c.fail("read", fmt.Errorf("failed to read %s: %w", remotePath, err))
	}
	c.logger.Debug().Str("path", remotePath).Int("bytes", buf.Len()).Msg("file read")
	return buf.Bytes(), nil
}

// WriteFile implements FileTransport.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	start := time.Now()

	if err := s.MkdirAll(path.Dir(remotePath)); err != nil {
		return c.fail("write", fmt.Errorf("failed to create remote directory: %w", err))
	}

	tmp := fmt.Sprintf("%s.%d.tmp", remotePath, time.Now().UnixNano())
	f, err := s.Create(tmp)
	if err != nil {
		return c.fail("write", fmt.Errorf("failed to create %s: %w", tmp, err))
	}
	n, err := copyWithContext(ctx, f, bytes.NewReader(data))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.Remove(tmp)
		return c.fail("write", fmt.Errorf("failed to write %s: %w", tmp, err))
	}
	if mode > 0 {
		if err := s.Chmod(tmp, os.FileMode(mode)); err != nil {
			c.logger.Warn().Err(err).Str("path", tmp).Msg("failed to set file permissions")
		}
	}

	// PosixRename replaces the target where the server supports the
	// posix-rename extension; plain Rename fails on an existing target.
	if err := s.PosixRename(tmp, remotePath); err != nil {
		_ = s.Remove(remotePath)
		if err := s.Rename(tmp, remotePath); err != nil {
			_ = s.Remove(tmp)
			return c.fail("write", fmt.Errorf("failed to replace %s: %w", remotePath, err))
		}
	}

	c.logger.Debug().
		Str("path", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file written")
	return nil
}

// fail marks the connection broken on transport-level errors so the next
// call reconnects.
func (c *SSHClient) fail(op string, err error) error {
	if _, ok := err.(*sftp.StatusError); !ok {
		c.connMu.Lock()
		c.isConnected = false
		c.connMu.Unlock()
	}
	return &TransportError{Op: op, Err: err, IsTemporary: true}
}

func isNotExist(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	if se, ok := err.(*sftp.StatusError); ok {
		return se.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}

// copyWithContext copies in chunks and stops when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
