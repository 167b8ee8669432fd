package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	// Generate a test host key
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel serves the sftp subsystem on a session channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		ok := req.Type == "subsystem" && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}
		server, err := sftp.NewServer(channel)
		if err != nil {
			return
		}
		_ = server.Serve()
		_ = server.Close()
		return
	}
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	// Generate ED25519 key pair dynamically
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func parseAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func connectTestClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected ConnectedAt to be set")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || !te.IsAuthError {
		t.Fatalf("expected auth TransportError, got %v", err)
	}
	if client.IsConnected() {
		t.Error("client connected with a wrong password")
	}
}

func TestSSHClientReadWriteFile(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "data", "users.csv")

	if _, err := client.ReadFile(ctx, target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist for missing file, got %v", err)
	}

	for _, content := range []string{"uid,mail\njdoe,jdoe@example.com\n", "uid,mail\n"} {
		if err := client.WriteFile(ctx, target, []byte(content), 0o640); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		got, err := client.ReadFile(ctx, target)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if string(got) != content {
			t.Errorf("read %q, want %q", got, content)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server)
	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}

	// File access reconnects.
	target := filepath.Join(t.TempDir(), "after.txt")
	if err := client.WriteFile(context.Background(), target, []byte("x"), 0); err != nil {
		t.Fatalf("write after disconnect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to reconnect")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyBytes, err := marshalED25519PrivateKey(privKey)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, keyBytes, 0o600); err != nil {
		t.Fatal(err)
	}

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "keyuser")
	config.Port = port
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key: %v", err)
	}
	defer client.Disconnect()
}
