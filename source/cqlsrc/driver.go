// Package cqlsrc pages CQL queries through gocql. Every page is a single
// round trip with automatic paging disabled; the native protocol paging
// state is used as the continuation as is.
package cqlsrc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/rowstream/stream"
	"github.com/rs/zerolog/log"
)

// appliedColumn is the first column of a conditional update result
const appliedColumn = "[applied]"

// Config configures Connect
type Config struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	ConnectTimeout time.Duration
}

// Driver is safe for concurrent use
type Driver struct {
	session     *gocql.Session
	consistency gocql.Consistency
	owned       bool
}

// Connect creates a session against the cluster; Close closes it
func Connect(config Config) (*Driver, error) {
	if len(config.Hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}

	consistency := gocql.LocalQuorum
	if config.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(config.Consistency)
		if err != nil {
			return nil, err
		}
		consistency = c
	}

	cluster := gocql.NewCluster(config.Hosts...)
	cluster.Keyspace = config.Keyspace
	cluster.Consistency = consistency
	if config.ConnectTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectTimeout
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", strings.Join(config.Hosts, ","), err)
	}

	log.Info().Strs("hosts", config.Hosts).Str("keyspace", config.Keyspace).Msg("Connected to CQL cluster")
	d := New(session, consistency)
	d.owned = true
	return d, nil
}

// New wraps an existing session; the caller keeps ownership of it
func New(session *gocql.Session, consistency gocql.Consistency) *Driver {
	return &Driver{session: session, consistency: consistency}
}

func (d *Driver) Name() string {
	return "cql"
}

// Source binds args to a CQL statement
func (d *Driver) Source(query string, args ...any) (stream.PageSource, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty statement")
	}
	return &querySource{driver: d, stmt: query, args: args}, nil
}

// Close closes the session if the driver created it
func (d *Driver) Close() error {
	if d.owned {
		d.session.Close()
	}
	return nil
}

type querySource struct {
	driver *Driver
	stmt   string
	args   []any
}

func (qs *querySource) FirstPage(ctx context.Context, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		return qs.fetch(ctx, nil, opts)
	})
}

func (qs *querySource) NextPage(ctx context.Context, state stream.PagingState, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		return qs.fetch(ctx, state, opts)
	})
}

func (qs *querySource) fetch(ctx context.Context, state stream.PagingState, opts stream.Options) (*stream.Page, error) {
	q := qs.driver.session.Query(qs.stmt, qs.args...).
		WithContext(ctx).
		Consistency(qs.driver.consistency).
		PageSize(rowsPerPage(opts)).
		PageState(state)

	page, err := readPage(q.Iter())
	if err != nil {
		return nil, fmt.Errorf("cql query failed: %w", err)
	}
	return page, nil
}

// rowsPerPage maps Options to a row count. The native protocol has no byte
// based paging, so byte budgets fall back to the default row count.
func rowsPerPage(opts stream.Options) int {
	if opts.SizeInBytes || opts.PageSize <= 0 {
		return stream.DefaultPageSize
	}
	return opts.PageSize
}

// pageIter is the part of *gocql.Iter a page is read from
type pageIter interface {
	Columns() []gocql.ColumnInfo
	RowData() (gocql.RowData, error)
	Scan(dest ...interface{}) bool
	PageState() []byte
	Warnings() []string
	GetCustomPayload() map[string][]byte
	Host() *gocql.HostInfo
	Close() error
}

func readPage(it pageIter) (*stream.Page, error) {
	cols := columnsOf(it.Columns())
	page := &stream.Page{Columns: cols}

	for {
		rd, err := it.RowData()
		if err != nil {
			it.Close()
			return nil, err
		}
		if !it.Scan(rd.Values...) {
			break
		}

		row := make([]any, len(rd.Values))
		for i, v := range rd.Values {
			row[i] = deref(v)
		}
		page.Rows = append(page.Rows, row)
	}

	if err := it.Close(); err != nil {
		return nil, err
	}

	page.Applied = wasApplied(cols, page.Rows)
	page.Info = stream.ExecutionInfo{
		Warnings:      it.Warnings(),
		CustomPayload: it.GetCustomPayload(),
	}
	if host := it.Host(); host != nil {
		page.Info.Coordinator = host.ConnectAddress().String()
	}
	if next := it.PageState(); len(next) > 0 {
		page.Next = append(stream.PagingState(nil), next...)
	}
	return page, nil
}

func columnsOf(infos []gocql.ColumnInfo) stream.ColumnDefinitions {
	cols := make(stream.ColumnDefinitions, len(infos))
	for i, c := range infos {
		cols[i] = stream.ColumnDefinition{
			Keyspace: c.Keyspace,
			Table:    c.Table,
			Name:     c.Name,
		}
		if c.TypeInfo != nil {
			cols[i].Type = c.TypeInfo.Type().String()
		}
	}
	return cols
}

// wasApplied is true unless the result is a conditional update that was rejected
func wasApplied(cols stream.ColumnDefinitions, rows [][]any) bool {
	if len(cols) == 0 || cols[0].Name != appliedColumn || len(rows) == 0 {
		return true
	}
	applied, ok := rows[0][0].(bool)
	return !ok || applied
}

func deref(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return v
	}
	return rv.Elem().Interface()
}
