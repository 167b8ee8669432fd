// Package dbtable implements a connector over one PostgreSQL table, one row
// per object.
//
// Values cross the connector as text: reads cast every column to text and
// writes cast text parameters back to the column type, so attribute values
// behave the same as with the other file and memory connectors. Array
// columns hold multi-valued attributes.
//
// Recognized instance properties:
//
//	dsn           PostgreSQL connection string (required)
//	table         table name, optionally schema qualified (required)
//	objectClass   the single object class served (default "__ACCOUNT__")
//	uidColumn     column addressing the object (default "uid")
//	syncColumn    monotonically increasing column enabling SYNC, e.g. a
//	              version bumped by a trigger. Deletions are not reported.
//	capabilities  list of advertised capabilities
package dbtable

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// BundleName is the registry name of this connector.
const BundleName = "dbtable"

// BundleVersion is the registry version of this connector.
const BundleVersion = "1.0.0"

const (
	// DefaultObjectClass is served when the instance sets no objectClass.
	DefaultObjectClass = "__ACCOUNT__"

	// DefaultUIDColumn is used when the instance sets no uidColumn.
	DefaultUIDColumn = "uid"
)

const pgUniqueViolation = "23505"

type sharedPool struct {
	pool *pgxpool.Pool
	refs int
}

// Factory creates table connectors. Connectors with the same DSN share one
// pgx pool, released when the last of them is closed.
type Factory struct {
	mu    sync.Mutex
	pools map[string]*sharedPool
}

// NewFactory creates a factory.
func NewFactory() *Factory {
	return &Factory{pools: make(map[string]*sharedPool)}
}

func (f *Factory) acquire(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sp, ok := f.pools[dsn]; ok {
		sp.refs++
		return sp.pool, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, engine.NewConnectorUnavailableError("failed to open database pool", err)
	}
	f.pools[dsn] = &sharedPool{pool: pool, refs: 1}
	return pool, nil
}

func (f *Factory) release(dsn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.pools[dsn]
	if !ok {
		return
	}
	sp.refs--
	if sp.refs == 0 {
		sp.pool.Close()
		delete(f.pools, dsn)
	}
}

// New implements engine.ConnectorFactory.
func (f *Factory) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	dsn := instance.StringProperty("dsn", "")
	if dsn == "" {
		return nil, engine.NewConfigurationError(fmt.Sprintf("connector %s: dsn is required", instance.Key), nil)
	}
	tableName := instance.StringProperty("table", "")
	if tableName == "" {
		return nil, engine.NewConfigurationError(fmt.Sprintf("connector %s: table is required", instance.Key), nil)
	}
	syncCol := instance.StringProperty("syncColumn", "")
	defaults := []engine.Capability{
		engine.CapabilityCreate, engine.CapabilityUpdate, engine.CapabilityDelete,
		engine.CapabilitySearch, engine.CapabilityPagedSearch,
	}
	if syncCol != "" {
		defaults = append(defaults, engine.CapabilitySync)
	}
	caps, err := instance.CapabilitiesProperty(defaults...)
	if err != nil {
		return nil, err
	}

	pool, err := f.acquire(ctx, dsn)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		factory:     f,
		dsn:         dsn,
		pool:        pool,
		table:       pgx.Identifier(strings.Split(tableName, ".")),
		objectClass: instance.StringProperty("objectClass", DefaultObjectClass),
		uidCol:      instance.StringProperty("uidColumn", DefaultUIDColumn),
		syncCol:     syncCol,
		caps:        caps,
		logger:      telemetry.ComponentLogger("dbtable").With().Str("connector", instance.Key).Logger(),
	}
	if _, err := c.columns(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connector is one handle on a table.
type Connector struct {
	factory     *Factory
	dsn         string
	pool        *pgxpool.Pool
	table       pgx.Identifier
	objectClass string
	uidCol      string
	syncCol     string
	caps        engine.CapabilitySet
	logger      zerolog.Logger
	closed      atomic.Bool

	colMu sync.Mutex
	cols  *columnSet
}

var (
	_ engine.SyncConnector = (*Connector)(nil)
	_ engine.Tester        = (*Connector)(nil)
)

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

// columns loads the table columns once per handle.
func (c *Connector) columns(ctx context.Context) (*columnSet, error) {
	c.colMu.Lock()
	defer c.colMu.Unlock()
	if c.cols != nil {
		return c.cols, nil
	}
	rows, err := c.pool.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), a.attnotnull, a.attndims > 0 OR t.typcategory = 'A'
		FROM pg_attribute a JOIN pg_type t ON t.oid = a.atttypid
		WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, c.table.Sanitize())
	if err != nil {
		return nil, classify("describe table", err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (column, error) {
		var col column
		err := row.Scan(&col.Name, &col.Type, &col.NotNull, &col.Array)
		return col, err
	})
	if err != nil {
		return nil, classify("describe table", err)
	}
	set, err := newColumnSet(cols, c.uidCol, c.syncCol)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("table %s", c.table.Sanitize()), err)
	}
	c.cols = set
	return set, nil
}

// Schema implements engine.Connector.
func (c *Connector) Schema(ctx context.Context) (*engine.Schema, error) {
	if err := c.check(c.objectClass); err != nil {
		return nil, err
	}
	cols, err := c.columns(ctx)
	if err != nil {
		return nil, err
	}
	info := engine.ObjectClassInfo{Name: c.objectClass}
	for _, col := range cols.list {
		info.Attributes = append(info.Attributes, engine.AttributeInfo{
			Name:        col.Name,
			Type:        col.Type,
			Required:    col.NotNull || col.Name == c.uidCol,
			MultiValued: col.Array,
		})
	}
	return &engine.Schema{ObjectClasses: []engine.ObjectClassInfo{info}}, nil
}

// Create inserts a row and returns the stored uid.
func (c *Connector) Create(ctx context.Context, objectClass string, attrs engine.Attributes) (string, error) {
	if err := c.check(objectClass); err != nil {
		return "", err
	}
	cols, err := c.columns(ctx)
	if err != nil {
		return "", err
	}
	attrs = attrs.Clone()
	if !attrs.Has(c.uidCol) && attrs.Has(engine.UIDAttribute) {
		attrs.Set(c.uidCol, attrs.First(engine.UIDAttribute))
	}
	delete(attrs, engine.UIDAttribute)
	if !attrs.Has(c.uidCol) {
		return "", fmt.Errorf("create %s: missing %s", objectClass, c.uidCol)
	}

	a, err := cols.assignments(attrs, 1)
	if err != nil {
		return "", err
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s::text",
		c.table.Sanitize(), strings.Join(a.names, ", "), strings.Join(a.placeholders, ", "), quote(c.uidCol))

	var uid string
	if err := c.pool.QueryRow(ctx, sql, a.args...).Scan(&uid); err != nil {
		return "", classify(fmt.Sprintf("create %s %s", objectClass, engine.ValueString(attrs.First(c.uidCol))), err)
	}
	return uid, nil
}

// Update sets the given columns of the row addressed by uid.
func (c *Connector) Update(ctx context.Context, objectClass, uid string, attrs engine.Attributes) (string, error) {
	if err := c.check(objectClass); err != nil {
		return "", err
	}
	cols, err := c.columns(ctx)
	if err != nil {
		return "", err
	}
	attrs = attrs.Clone()
	delete(attrs, engine.UIDAttribute)
	if len(attrs) == 0 {
		return uid, nil
	}

	a, err := cols.assignments(attrs, 2)
	if err != nil {
		return "", err
	}
	sets := make([]string, len(a.names))
	for i := range a.names {
		sets[i] = a.names[i] + " = " + a.placeholders[i]
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s::text = $1 RETURNING %s::text",
		c.table.Sanitize(), strings.Join(sets, ", "), quote(c.uidCol), quote(c.uidCol))

	var newUID string
	err = c.pool.QueryRow(ctx, sql, append([]interface{}{uid}, a.args...)...).Scan(&newUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("update %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
	}
	if err != nil {
		return "", classify(fmt.Sprintf("update %s %s", objectClass, uid), err)
	}
	return newUID, nil
}

// Delete implements engine.Connector.
func (c *Connector) Delete(ctx context.Context, objectClass, uid string) error {
	if err := c.check(objectClass); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s::text = $1", c.table.Sanitize(), quote(c.uidCol))
	tag, err := c.pool.Exec(ctx, sql, uid)
	if err != nil {
		return classify(fmt.Sprintf("delete %s %s", objectClass, uid), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
	}
	return nil
}

// Search returns matching rows ordered by uid. The cookie is the uid of the
// last row of the previous page.
func (c *Connector) Search(ctx context.Context, objectClass string, filter *engine.Filter, opts engine.SearchOptions) (*engine.SearchResult, error) {
	if err := c.check(objectClass); err != nil {
		return nil, err
	}
	cols, err := c.columns(ctx)
	if err != nil {
		return nil, err
	}
	size := opts.PageSize
	if size <= 0 {
		size = engine.DefaultPageSize
	}

	where, args, ok := cols.where(filter)
	if !ok {
		return &engine.SearchResult{}, nil
	}
	if opts.Cookie != "" {
		args = append(args, opts.Cookie)
		where = append(where, fmt.Sprintf("%s::text > $%d", quote(c.uidCol), len(args)))
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", cols.selectList(opts.AttributesToGet), c.table.Sanitize())
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, size+1)
	sql += fmt.Sprintf(" ORDER BY %s::text LIMIT $%d", quote(c.uidCol), len(args))

	objects, err := c.query(ctx, cols, objectClass, sql, args...)
	if err != nil {
		return nil, err
	}
	result := &engine.SearchResult{Objects: objects}
	if len(objects) > size {
		result.Objects = objects[:size]
		result.NextCookie = objects[size-1].UID
	}
	if len(opts.AttributesToGet) > 0 && !slices.Contains(opts.AttributesToGet, c.uidCol) {
		for _, obj := range result.Objects {
			delete(obj.Attributes, c.uidCol)
		}
	}
	return result, nil
}

func (c *Connector) query(ctx context.Context, cols *columnSet, objectClass, sql string, args ...interface{}) ([]*engine.ConnectorObject, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("search", err)
	}
	defer rows.Close()

	var out []*engine.ConnectorObject
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify("search", err)
		}
		obj := &engine.ConnectorObject{ObjectClass: objectClass, Attributes: engine.Attributes{}}
		for i, fd := range fields {
			name := fd.Name
			switch v := values[i].(type) {
			case nil:
			case []interface{}:
				obj.Attributes.Set(name, v...)
			default:
				obj.Attributes.Set(name, v)
			}
		}
		obj.UID = engine.ValueString(obj.Attributes.First(c.uidCol))
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search", err)
	}
	return out, nil
}

// Sync returns the rows whose sync column moved past token, as
// CREATE_OR_UPDATE deltas.
func (c *Connector) Sync(ctx context.Context, objectClass, token string) ([]engine.SyncDelta, string, error) {
	if err := c.check(objectClass); err != nil {
		return nil, "", err
	}
	if c.syncCol == "" {
		return nil, "", fmt.Errorf("sync: %w", engine.ErrUnsupported)
	}
	cols, err := c.columns(ctx)
	if err != nil {
		return nil, "", err
	}
	syncType := cols.byName[c.syncCol].Type
	sql := fmt.Sprintf("SELECT %s, %s::text AS __token FROM %s",
		cols.selectList(nil), quote(c.syncCol), c.table.Sanitize())
	var args []interface{}
	if token != "" {
		sql += fmt.Sprintf(" WHERE %s > $1::text::%s", quote(c.syncCol), syncType)
		args = append(args, token)
	}
	sql += fmt.Sprintf(" ORDER BY %s", quote(c.syncCol))

	objects, err := c.query(ctx, cols, objectClass, sql, args...)
	if err != nil {
		return nil, "", err
	}
	latest := token
	deltas := make([]engine.SyncDelta, 0, len(objects))
	for _, obj := range objects {
		latest = engine.ValueString(obj.Attributes.First("__token"))
		delete(obj.Attributes, "__token")
		deltas = append(deltas, engine.SyncDelta{
			Type:   engine.DeltaCreateOrUpdate,
			UID:    obj.UID,
			Object: obj,
			Token:  latest,
		})
	}
	c.logger.Debug().Int("deltas", len(deltas)).Str("token", latest).Msg("sync read")
	return deltas, latest, nil
}

// LatestSyncToken implements engine.SyncConnector.
func (c *Connector) LatestSyncToken(ctx context.Context, objectClass string) (string, error) {
	if err := c.check(objectClass); err != nil {
		return "", err
	}
	if c.syncCol == "" {
		return "", fmt.Errorf("sync: %w", engine.ErrUnsupported)
	}
	var token *string
	sql := fmt.Sprintf("SELECT max(%s)::text FROM %s", quote(c.syncCol), c.table.Sanitize())
	if err := c.pool.QueryRow(ctx, sql).Scan(&token); err != nil {
		return "", classify("sync token", err)
	}
	if token == nil {
		return "", nil
	}
	return *token, nil
}

// Test implements engine.Tester.
func (c *Connector) Test(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConnectionBroken
	}
	if err := c.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the shared pool reference.
func (c *Connector) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.factory.release(c.dsn)
	return nil
}

// classify maps database errors to connector sentinels and engine kinds.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return fmt.Errorf("%s: %w", op, engine.ErrAlreadyExists)
	case errors.As(err, &pgErr):
		return engine.NewNativeOperationError(op, err).WithCode(pgErr.Code)
	case pgconn.SafeToRetry(err):
		return engine.NewConnectorUnavailableError(op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
