package flatfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/transports/ssh"
)

func newLocal(t *testing.T, f *Factory, path string, props map[string]interface{}) *Connector {
	t.Helper()
	if props == nil {
		props = map[string]interface{}{}
	}
	props["path"] = path
	conn, err := f.New(context.Background(), engine.ConnectorInstance{
		Key:        "hr-file",
		Bundle:     BundleName,
		Properties: props,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*Connector)
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.csv")
	c := newLocal(t, NewFactory(), path, nil)

	uid, err := c.Create(ctx, DefaultObjectClass, engine.Attributes{
		"uid":    {"jdoe"},
		"mail":   {"jdoe@example.com"},
		"groups": {"staff", "vpn"},
	})
	if err != nil || uid != "jdoe" {
		t.Fatalf("Create() = %q, %v", uid, err)
	}
	if _, err := c.Create(ctx, DefaultObjectClass, engine.Attributes{"uid": {"jdoe"}}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "uid,groups,mail\njdoe,staff|vpn,jdoe@example.com\n"; string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}

	uid, err = c.Update(ctx, DefaultObjectClass, "jdoe", engine.Attributes{
		"uid":  {"john.doe"},
		"mail": {"john.doe@example.com"},
	})
	if err != nil || uid != "john.doe" {
		t.Fatalf("Update() = %q, %v", uid, err)
	}

	res, err := c.Search(ctx, DefaultObjectClass, engine.EqualsFilter(engine.UIDAttribute, "john.doe"), engine.SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Objects) != 1 {
		t.Fatalf("Search() = %d objects, want 1", len(res.Objects))
	}
	obj := res.Objects[0]
	if got := engine.ValueString(obj.Attributes.First("mail")); got != "john.doe@example.com" {
		t.Errorf("mail = %q", got)
	}
	if groups, _ := obj.Attributes.Get("groups"); len(groups) != 2 {
		t.Errorf("groups = %v, want 2 values", groups)
	}

	if err := c.Delete(ctx, DefaultObjectClass, "john.doe"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, DefaultObjectClass, "john.doe"); !errors.Is(err, engine.ErrObjectNotFound) {
		t.Errorf("second Delete() error = %v, want ErrObjectNotFound", err)
	}
	if _, err := c.Update(ctx, DefaultObjectClass, "ghost", engine.Attributes{"mail": {"x"}}); !errors.Is(err, engine.ErrObjectNotFound) {
		t.Errorf("Update(ghost) error = %v, want ErrObjectNotFound", err)
	}
}

func TestReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.txt")
	content := "login;cn;roles\nbob;Bob Builder;admin,ops\nalice;Alice;\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	c := newLocal(t, NewFactory(), path, map[string]interface{}{
		"uidAttribute":        "login",
		"delimiter":           ";",
		"multiValueSeparator": ",",
		"objectClass":         "person",
	})

	res, err := c.Search(context.Background(), "person", nil, engine.SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].UID != "alice" || res.Objects[1].UID != "bob" {
		t.Fatalf("Search() = %+v", res.Objects)
	}
	if res.Objects[0].Attributes.Has("roles") {
		t.Errorf("empty cell produced attribute: %v", res.Objects[0].Attributes)
	}
	if roles, _ := res.Objects[1].Attributes.Get("roles"); len(roles) != 2 {
		t.Errorf("roles = %v", roles)
	}

	schema, err := c.Schema(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	oc, ok := schema.ObjectClass("person")
	if !ok || len(oc.Attributes) != 3 {
		t.Fatalf("Schema() = %+v", schema)
	}
	if a, _ := oc.Attribute("login"); !a.Required || a.MultiValued {
		t.Errorf("login = %+v", a)
	}

	if _, err := c.Search(context.Background(), DefaultObjectClass, nil, engine.SearchOptions{}); !errors.Is(err, engine.ErrUnsupported) {
		t.Errorf("Search(other class) error = %v, want ErrUnsupported", err)
	}
}

func TestSearchPaging(t *testing.T) {
	ctx := context.Background()
	c := newLocal(t, NewFactory(), filepath.Join(t.TempDir(), "a.csv"), nil)
	for i := 9; i >= 0; i-- {
		if _, err := c.Create(ctx, DefaultObjectClass, engine.Attributes{
			"uid":  {fmt.Sprintf("user%02d", i)},
			"dept": {map[bool]string{true: "even", false: "odd"}[i%2 == 0]},
		}); err != nil {
			t.Fatal(err)
		}
	}

	var seen []string
	opts := engine.SearchOptions{PageSize: 2, AttributesToGet: []string{"dept"}}
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		res, err := c.Search(ctx, DefaultObjectClass, engine.EqualsFilter("dept", "even"), opts)
		if err != nil {
			t.Fatal(err)
		}
		for _, obj := range res.Objects {
			seen = append(seen, obj.UID)
			if obj.Attributes.Has("uid") {
				t.Errorf("projection kept uid: %v", obj.Attributes)
			}
		}
		if res.NextCookie == "" {
			break
		}
		opts.Cookie = res.NextCookie
	}
	if got := strings.Join(seen, ","); got != "user00,user02,user04,user06,user08" {
		t.Errorf("pages = %s", got)
	}
}

func TestConcurrentHandlesShareLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.csv")
	f := NewFactory()
	a := newLocal(t, f, path, nil)
	b := newLocal(t, f, path, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		wg.Add(1)
		go func(c *Connector, i int) {
			defer wg.Done()
			if _, err := c.Create(ctx, DefaultObjectClass, engine.Attributes{"uid": {fmt.Sprintf("u%02d", i)}}); err != nil {
				t.Errorf("Create() error = %v", err)
			}
		}(c, i)
	}
	wg.Wait()

	res, err := a.Search(ctx, DefaultObjectClass, nil, engine.SearchOptions{PageSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Objects) != 20 {
		t.Errorf("rows = %d, want 20", len(res.Objects))
	}
}

func TestFactoryValidation(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]interface{}
	}{
		{"missing path", map[string]interface{}{}},
		{"bad delimiter", map[string]interface{}{"path": "/tmp/x.csv", "delimiter": "::"}},
		{"separator equals delimiter", map[string]interface{}{"path": "/tmp/x.csv", "multiValueSeparator": ","}},
		{"bad mode", map[string]interface{}{"path": "/tmp/x.csv", "fileMode": "rw"}},
		{"sync capability", map[string]interface{}{"path": "/tmp/x.csv", "capabilities": []string{"SEARCH", "SYNC"}}},
		{"unknown capability", map[string]interface{}{"path": "/tmp/x.csv", "capabilities": []string{"FLY"}}},
		{"remote without user", map[string]interface{}{"path": "/data/x.csv", "host": "files.example.com", "password": "pw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory().New(context.Background(), engine.ConnectorInstance{Key: "ff", Properties: tt.props})
			if !engine.IsConfiguration(err) {
				t.Errorf("New() error = %v, want configuration error", err)
			}
		})
	}
}

func TestClosedConnector(t *testing.T) {
	c := newLocal(t, NewFactory(), filepath.Join(t.TempDir(), "c.csv"), nil)
	if err := c.Test(context.Background()); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	c.Close()
	if _, err := c.Search(context.Background(), DefaultObjectClass, nil, engine.SearchOptions{}); !errors.Is(err, engine.ErrConnectionBroken) {
		t.Errorf("Search() after Close error = %v", err)
	}
}

// fakeTransport keeps files in memory.
type fakeTransport struct {
	mu        sync.Mutex
	files     map[string][]byte
	connected bool
	writes    int
	readErr   error
}

var _ ssh.FileTransport = (*fakeTransport)(nil)

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Disconnect() error                 { f.connected = false; return nil }
func (f *fakeTransport) IsConnected() bool                 { return f.connected }
func (f *fakeTransport) HealthCheck(ctx context.Context) error {
	if !f.connected {
		return errors.New("not connected")
	}
	return nil
}
func (f *fakeTransport) GetConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

func (f *fakeTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (f *fakeTransport) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	f.writes++
	return nil
}

func TestRemoteBackend(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{files: map[string][]byte{}}
	b := &remoteBackend{transport: transport, host: "files.example.com:22", path: "/srv/hr/users.csv", mode: 0o640}
	f := NewFactory()
	c := &Connector{
		backend:     b,
		lock:        f.lock(b.location()),
		format:      format{delimiter: ',', separator: "|"},
		objectClass: DefaultObjectClass,
		uidAttr:     DefaultUIDAttribute,
		caps:        engine.AllCapabilities(),
		logger:      zerolog.Nop(),
	}

	if err := c.Test(ctx); err != nil || !transport.connected {
		t.Fatalf("Test() error = %v, connected = %v", err, transport.connected)
	}
	if _, err := c.Create(ctx, DefaultObjectClass, engine.Attributes{"uid": {"carol"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := string(transport.files["/srv/hr/users.csv"]); got != "uid\ncarol\n" {
		t.Errorf("remote file = %q", got)
	}
	if b.location() != "sftp://files.example.com:22/srv/hr/users.csv" {
		t.Errorf("location() = %s", b.location())
	}
	if err := c.Close(); err != nil || transport.connected {
		t.Errorf("Close() = %v, connected = %v", err, transport.connected)
	}
}

// TestRemoteReadFailures tests that temporary transport failures break the handle.
func TestRemoteReadFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		broken bool
	}{
		{"temporary", &ssh.TransportError{Op: "read", Err: errors.New("connection reset"), IsTemporary: true}, true},
		{"permanent", &ssh.TransportError{Op: "read", Err: errors.New("permission denied")}, false},
		{"plain", errors.New("disk quota"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &fakeTransport{files: map[string][]byte{}, readErr: tt.err}
			b := &remoteBackend{transport: transport, host: "files.example.com:22", path: "/srv/hr/users.csv", mode: 0o640}
			c := &Connector{
				backend:     b,
				lock:        NewFactory().lock(b.location()),
				format:      format{delimiter: ',', separator: "|"},
				objectClass: DefaultObjectClass,
				uidAttr:     DefaultUIDAttribute,
				caps:        engine.AllCapabilities(),
				logger:      zerolog.Nop(),
			}

			_, err := c.Search(context.Background(), DefaultObjectClass, nil, engine.SearchOptions{})
			if err == nil {
				t.Fatal("Search() expected error")
			}
			if got := errors.Is(err, engine.ErrConnectionBroken); got != tt.broken {
				t.Errorf("ErrConnectionBroken = %v, want %v (%v)", got, tt.broken, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause lost: %v", err)
			}
		})
	}
}
