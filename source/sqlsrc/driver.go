// Package sqlsrc pages through SQL tables with keyset queries built by goqu.
//
// Each page is a single query of the form
//
//	SELECT * FROM table WHERE key > ? ORDER BY key LIMIT n+1
//
// The extra row only detects whether another page exists; it is never
// returned. The paging state carries the key of the last returned row, so
// pages stay stable under concurrent inserts behind the cursor.
package sqlsrc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/rowstream/encoding"
	"github.com/maxpert/rowstream/stream"
	"github.com/maxpert/rowstream/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultKeyColumn = "id"
	defaultCacheSize = 64
)

// Config configures a Driver
type Config struct {
	Dialect   string // goqu dialect name: sqlite3 or mysql
	KeyColumn string // unique, ordered column used as the keyset cursor
	CacheSize int    // prepared statements kept open
}

// Driver is safe for concurrent use
type Driver struct {
	db      *sql.DB
	config  Config
	dialect goqu.DialectWrapper
	stmts   *lru.Cache[string, *sql.Stmt]
}

// New wraps db. Statements prepared by the driver are closed on eviction and by Close.
func New(db *sql.DB, config Config) (*Driver, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	switch config.Dialect {
	case "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect %q", config.Dialect)
	}
	if config.KeyColumn == "" {
		config.KeyColumn = defaultKeyColumn
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}

	stmts, err := lru.NewWithEvict[string, *sql.Stmt](config.CacheSize, func(query string, stmt *sql.Stmt) {
		if err := stmt.Close(); err != nil {
			log.Warn().Err(err).Str("query", query).Msg("Failed to close evicted statement")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}

	return &Driver{
		db:      db,
		config:  config,
		dialect: goqu.Dialect(config.Dialect),
		stmts:   stmts,
	}, nil
}

func (d *Driver) Name() string {
	return d.config.Dialect
}

// Source pages through table ordered by the key column. Arguments are not
// supported: the query is the table name.
func (d *Driver) Source(query string, args ...any) (stream.PageSource, error) {
	table := strings.TrimSpace(query)
	if table == "" || strings.ContainsAny(table, " \t\n;") {
		return nil, fmt.Errorf("expected a table name, got %q", query)
	}
	if len(args) > 0 {
		return nil, errors.New("sql source does not take arguments")
	}
	return &tableSource{driver: d, table: table}, nil
}

// CachedStatements returns the number of prepared statements held open
func (d *Driver) CachedStatements() int {
	return d.stmts.Len()
}

// Close closes every cached statement; the database handle stays open
func (d *Driver) Close() error {
	d.stmts.Purge()
	return nil
}

// pageQuery builds the keyset query for one page; after is ignored unless hasCursor
func (d *Driver) pageQuery(table string, after any, hasCursor bool, limit int) (string, []any, error) {
	key := goqu.I(d.config.KeyColumn)
	ds := d.dialect.From(table).
		Order(key.Asc()).
		Limit(uint(limit + 1)).
		Prepared(true)
	if hasCursor {
		ds = ds.Where(key.Gt(after))
	}
	return ds.ToSQL()
}

func (d *Driver) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := d.stmts.Get(query); ok {
		telemetry.StatementCacheTotal.With("hit").Inc()
		return stmt, nil
	}
	telemetry.StatementCacheTotal.With("miss").Inc()

	stmt, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %q: %w", query, err)
	}

	// Another goroutine may have prepared the same query meanwhile.
	if prev, ok, _ := d.stmts.PeekOrAdd(query, stmt); ok {
		stmt.Close()
		return prev, nil
	}
	return stmt, nil
}

func (d *Driver) fetch(ctx context.Context, table string, state stream.PagingState, opts stream.Options) (*stream.Page, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = stream.DefaultPageSize
	}

	var after any
	hasCursor := len(state) > 0
	if hasCursor {
		if err := encoding.DecodePagingState(state, &after); err != nil {
			return nil, err
		}
	}

	query, params, err := d.pageQuery(table, after, hasCursor, opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build page query: %w", err)
	}
	stmt, err := d.prepare(ctx, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make(stream.ColumnDefinitions, len(types))
	for i, ct := range types {
		cols[i] = stream.ColumnDefinition{Table: table, Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}
	keyIdx := cols.IndexOf(d.config.KeyColumn)
	if keyIdx < 0 {
		return nil, fmt.Errorf("table %s has no key column %q", table, d.config.KeyColumn)
	}

	page := &stream.Page{
		Columns: cols,
		Info:    stream.ExecutionInfo{Coordinator: d.config.Dialect},
		Applied: true,
	}
	budget := opts.PageSize
	size := 0
	more := false
	for rows.Next() {
		if opts.SizeInBytes {
			more = len(page.Rows) > 0 && size >= budget
		} else {
			more = len(page.Rows) >= opts.PageSize
		}
		if more {
			break
		}

		values, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		page.Rows = append(page.Rows, values)
		size += rowBytes(values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	if more {
		last := page.Rows[len(page.Rows)-1][keyIdx]
		if page.Next, err = encoding.EncodePagingState(last); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("table", table).
		Int("rows", len(page.Rows)).
		Int("bytes", size).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched SQL page")
	return page, nil
}

func scanRow(rows *sql.Rows, cols stream.ColumnDefinitions) ([]any, error) {
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	for i, v := range values {
		if b, ok := v.([]byte); ok && !isBinary(cols[i].Type) {
			values[i] = string(b)
		}
	}
	return values, nil
}

func isBinary(typeName string) bool {
	t := strings.ToUpper(typeName)
	return strings.Contains(t, "BLOB") || strings.Contains(t, "BINARY")
}

// rowBytes approximates the wire size of a row; every row counts as at
// least one byte so a byte budget always bounds the row count.
func rowBytes(values []any) int {
	n := 0
	for _, v := range values {
		switch x := v.(type) {
		case nil:
		case string:
			n += len(x)
		case []byte:
			n += len(x)
		case bool:
			n++
		case int64, float64, time.Time:
			n += 8
		default:
			n += len(fmt.Sprint(x))
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

type tableSource struct {
	driver *Driver
	table  string
}

func (ts *tableSource) FirstPage(ctx context.Context, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		return ts.driver.fetch(ctx, ts.table, nil, opts)
	})
}

func (ts *tableSource) NextPage(ctx context.Context, state stream.PagingState, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		return ts.driver.fetch(ctx, ts.table, state, opts)
	})
}
