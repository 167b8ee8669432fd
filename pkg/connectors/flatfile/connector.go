// Package flatfile implements a connector over one delimited text file, kept
// either on the local filesystem or on a remote host reached over SFTP.
//
// Every operation reads the whole file, applies the change and replaces the
// file atomically. Handles of the same file share a lock held by the Factory,
// so pooled handles never interleave their read-modify-write cycles.
//
// Recognized instance properties:
//
//	path                 file location (required)
//	objectClass          the single object class served (default "__ACCOUNT__")
//	uidAttribute         column holding the object UID (default "uid")
//	delimiter            field delimiter (default ",")
//	multiValueSeparator  joins the values of multi-valued columns (default "|")
//	fileMode             octal permissions of written files (default "0640")
//	capabilities         list of advertised capabilities
//	host                 SFTP host; when empty the file is local
//	port, user, password, privateKeyPath, privateKeyPassphrase,
//	knownHostsPath, strictHostKeyChecking, proxyHost, proxyPort, proxyUser
package flatfile

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// BundleName is the registry name of this connector.
const BundleName = "flatfile"

// BundleVersion is the registry version of this connector.
const BundleVersion = "1.0.0"

const (
	// DefaultObjectClass is served when the instance sets no objectClass.
	DefaultObjectClass = "__ACCOUNT__"

	// DefaultUIDAttribute is used when the instance sets no uidAttribute.
	DefaultUIDAttribute = "uid"
)

// Factory creates flat-file connectors.
type Factory struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFactory creates a factory.
func NewFactory() *Factory {
	return &Factory{locks: make(map[string]*sync.Mutex)}
}

func (f *Factory) lock(location string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[location]
	if !ok {
		l = &sync.Mutex{}
		f.locks[location] = l
	}
	return l
}

// New implements engine.ConnectorFactory.
func (f *Factory) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := instance.StringProperty("path", "")
	if path == "" {
		return nil, engine.NewConfigurationError(fmt.Sprintf("connector %s: path is required", instance.Key), nil)
	}

	fm, err := fileFormat(instance)
	if err != nil {
		return nil, err
	}
	mode, err := strconv.ParseUint(instance.StringProperty("fileMode", "0640"), 8, 32)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid fileMode for %s", instance.Key), err)
	}
	caps, err := instance.CapabilitiesProperty(
		engine.CapabilityCreate, engine.CapabilityUpdate, engine.CapabilityDelete,
		engine.CapabilitySearch, engine.CapabilityPagedSearch,
	)
	if err != nil {
		return nil, err
	}
	if caps.Has(engine.CapabilitySync) {
		return nil, engine.NewConfigurationError("flatfile connectors do not support SYNC", nil)
	}

	var b backend
	if instance.StringProperty("host", "") == "" {
		b = &localBackend{path: path, mode: os.FileMode(mode)}
	} else {
		b, err = newRemoteBackend(instance, path, os.FileMode(mode))
		if err != nil {
			return nil, err
		}
	}

	return &Connector{
		backend:     b,
		lock:        f.lock(b.location()),
		format:      fm,
		objectClass: instance.StringProperty("objectClass", DefaultObjectClass),
		uidAttr:     instance.StringProperty("uidAttribute", DefaultUIDAttribute),
		caps:        caps,
		logger:      telemetry.ComponentLogger("flatfile").With().Str("connector", instance.Key).Logger(),
	}, nil
}

func fileFormat(instance engine.ConnectorInstance) (format, error) {
	delim := instance.StringProperty("delimiter", ",")
	r, size := utf8.DecodeRuneInString(delim)
	if size != len(delim) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return format{}, engine.NewConfigurationError(fmt.Sprintf("invalid delimiter %q", delim), nil)
	}
	sep := instance.StringProperty("multiValueSeparator", "|")
	if sep == delim {
		return format{}, engine.NewConfigurationError("multiValueSeparator must differ from delimiter", nil)
	}
	return format{delimiter: r, separator: sep}, nil
}

// Connector is one handle on a file.
type Connector struct {
	backend     backend
	lock        *sync.Mutex
	format      format
	objectClass string
	uidAttr     string
	caps        engine.CapabilitySet
	logger      zerolog.Logger
	closed      atomic.Bool
}

var _ engine.Tester = (*Connector)(nil)

// Capabilities implements engine.Connector.
func (c *Connector) Capabilities() engine.CapabilitySet {
	return c.caps
}

func (c *Connector) check(objectClass string) error {
	if c.closed.Load() {
		return engine.ErrConnectionBroken
	}
	if objectClass != c.objectClass {
		return fmt.Errorf("object class %s: %w", objectClass, engine.ErrUnsupported)
	}
	return nil
}

func (c *Connector) load(ctx context.Context) (*table, error) {
	data, err := c.backend.read(ctx)
	if err != nil {
		return nil, ioError("read", c.backend.location(), err)
	}
	t, err := parseTable(data, c.format)
	if err != nil {
		return nil, engine.NewNativeOperationError(c.backend.location(), err)
	}
	if len(t.header) == 0 {
		t.header = []string{c.uidAttr}
	}
	return t, nil
}

func (c *Connector) store(ctx context.Context, t *table) error {
	data, err := t.encode(c.format)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.backend.location(), err)
	}
	if err := c.backend.write(ctx, data); err != nil {
		return ioError("write", c.backend.location(), err)
	}
	c.logger.Debug().Int("rows", len(t.rows)).Msg("file written")
	return nil
}

// modify runs fn on the current table under the file lock and stores the
// result when fn succeeds.
func (c *Connector) modify(ctx context.Context, fn func(t *table) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	t, err := c.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	return c.store(ctx, t)
}

// Schema reports the configured object class with the file header as its
// attributes.
func (c *Connector) Schema(ctx context.Context) (*engine.Schema, error) {
	if err := c.check(c.objectClass); err != nil {
		return nil, err
	}
	c.lock.Lock()
	t, err := c.load(ctx)
	c.lock.Unlock()
	if err != nil {
		return nil, err
	}

	info := engine.ObjectClassInfo{Name: c.objectClass}
	for _, col := range t.header {
		info.Attributes = append(info.Attributes, engine.AttributeInfo{
			Name:        col,
			Type:        "string",
			Required:    col == c.uidAttr,
			MultiValued: col != c.uidAttr && c.format.separator != "",
		})
	}
	return &engine.Schema{ObjectClasses: []engine.ObjectClassInfo{info}}, nil
}

// Create appends a row.
func (c *Connector) Create(ctx context.Context, objectClass string, attrs engine.Attributes) (string, error) {
	if err := c.check(objectClass); err != nil {
		return "", err
	}
	uid := engine.ValueString(attrs.First(c.uidAttr))
	if uid == "" {
		uid = engine.ValueString(attrs.First(engine.UIDAttribute))
	}
	if uid == "" {
		return "", fmt.Errorf("create %s: missing %s", objectClass, c.uidAttr)
	}

	err := c.modify(ctx, func(t *table) error {
		if t.find(c.uidAttr, uid) >= 0 {
			return fmt.Errorf("create %s %s: %w", objectClass, uid, engine.ErrAlreadyExists)
		}
		row := map[string]string{c.uidAttr: uid}
		t.set(row, attrs, c.format)
		row[c.uidAttr] = uid
		t.rows = append(t.rows, row)
		return nil
	})
	if err != nil {
		return "", err
	}
	return uid, nil
}

// Update replaces the given columns of a row. A new value of the uid
// column renames the object.
func (c *Connector) Update(ctx context.Context, objectClass, uid string, attrs engine.Attributes) (string, error) {
	if err := c.check(objectClass); err != nil {
		return "", err
	}
	newUID := uid
	if v := engine.ValueString(attrs.First(c.uidAttr)); v != "" {
		newUID = v
	}

	err := c.modify(ctx, func(t *table) error {
		i := t.find(c.uidAttr, uid)
		if i < 0 {
			return fmt.Errorf("update %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
		}
		if newUID != uid && t.find(c.uidAttr, newUID) >= 0 {
			return fmt.Errorf("rename %s to %s: %w", uid, newUID, engine.ErrAlreadyExists)
		}
		t.set(t.rows[i], attrs, c.format)
		t.rows[i][c.uidAttr] = newUID
		return nil
	})
	if err != nil {
		return "", err
	}
	return newUID, nil
}

// Delete removes a row.
func (c *Connector) Delete(ctx context.Context, objectClass, uid string) error {
	if err := c.check(objectClass); err != nil {
		return err
	}
	return c.modify(ctx, func(t *table) error {
		i := t.find(c.uidAttr, uid)
		if i < 0 {
			return fmt.Errorf("delete %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
		}
		t.rows = append(t.rows[:i], t.rows[i+1:]...)
		return nil
	})
}

// Search returns matching rows ordered by UID. The cookie is the UID of the
// last row of the previous page.
func (c *Connector) Search(ctx context.Context, objectClass string, filter *engine.Filter, opts engine.SearchOptions) (*engine.SearchResult, error) {
	if err := c.check(objectClass); err != nil {
		return nil, err
	}
	size := opts.PageSize
	if size <= 0 {
		size = engine.DefaultPageSize
	}

	c.lock.Lock()
	t, err := c.load(ctx)
	c.lock.Unlock()
	if err != nil {
		return nil, err
	}

	result := &engine.SearchResult{}
	for _, row := range t.sorted(c.uidAttr) {
		if opts.Cookie != "" && row[c.uidAttr] <= opts.Cookie {
			continue
		}
		obj := t.object(objectClass, c.uidAttr, row, c.format)
		if !filter.Matches(obj) {
			continue
		}
		if len(result.Objects) == size {
			result.NextCookie = result.Objects[size-1].UID
			break
		}
		result.Objects = append(result.Objects, project(obj, opts.AttributesToGet))
	}
	return result, nil
}

func project(obj *engine.ConnectorObject, names []string) *engine.ConnectorObject {
	if len(names) == 0 {
		return obj
	}
	out := engine.Attributes{}
	for _, n := range names {
		if values, ok := obj.Attributes.Get(n); ok {
			out.Set(n, values...)
		}
	}
	obj.Attributes = out
	return obj
}

// Test implements engine.Tester.
func (c *Connector) Test(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConnectionBroken
	}
	return c.backend.ping(ctx)
}

// Close implements engine.Connector.
func (c *Connector) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.backend.close()
}
