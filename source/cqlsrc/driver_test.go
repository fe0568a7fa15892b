package cqlsrc

import (
	"errors"
	"reflect"
	"testing"

	"github.com/gocql/gocql"
	"github.com/maxpert/rowstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIter struct {
	columns  []gocql.ColumnInfo
	rows     [][]any
	state    []byte
	warnings []string
	payload  map[string][]byte
	closeErr error

	pos    int
	closed int
}

func (f *fakeIter) Columns() []gocql.ColumnInfo { return f.columns }

func (f *fakeIter) RowData() (gocql.RowData, error) {
	rd := gocql.RowData{}
	for _, c := range f.columns {
		rd.Columns = append(rd.Columns, c.Name)
		rd.Values = append(rd.Values, c.TypeInfo.New())
	}
	return rd, nil
}

func (f *fakeIter) Scan(dest ...interface{}) bool {
	if f.pos >= len(f.rows) {
		return false
	}
	for i, v := range f.rows[f.pos] {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	f.pos++
	return true
}

func (f *fakeIter) PageState() []byte                   { return f.state }
func (f *fakeIter) Warnings() []string                  { return f.warnings }
func (f *fakeIter) GetCustomPayload() map[string][]byte { return f.payload }
func (f *fakeIter) Host() *gocql.HostInfo               { return nil }

func (f *fakeIter) Close() error {
	f.closed++
	return f.closeErr
}

func column(name string, typ gocql.Type) gocql.ColumnInfo {
	return gocql.ColumnInfo{
		Keyspace: "ks",
		Table:    "users",
		Name:     name,
		TypeInfo: gocql.NewNativeType(4, typ, ""),
	}
}

func TestReadPage(t *testing.T) {
	it := &fakeIter{
		columns:  []gocql.ColumnInfo{column("id", gocql.TypeInt), column("name", gocql.TypeVarchar)},
		rows:     [][]any{{1, "ada"}, {2, "grace"}},
		state:    []byte{0x01, 0x02},
		warnings: []string{"tombstones"},
		payload:  map[string][]byte{"k": []byte("v")},
	}

	page, err := readPage(it)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, page.Columns.Names())
	assert.Equal(t, "int", page.Columns[0].Type)
	assert.Equal(t, "ks", page.Columns[0].Keyspace)
	assert.Equal(t, [][]any{{1, "ada"}, {2, "grace"}}, page.Rows)
	assert.Equal(t, stream.PagingState{0x01, 0x02}, page.Next)
	assert.Equal(t, []string{"tombstones"}, page.Info.Warnings)
	assert.Equal(t, []byte("v"), page.Info.CustomPayload["k"])
	assert.Empty(t, page.Info.Coordinator)
	assert.True(t, page.Applied)
	assert.Equal(t, 1, it.closed)

	// The paging state is copied out of the iterator.
	it.state[0] = 0xff
	assert.Equal(t, byte(0x01), page.Next[0])
}

func TestReadPage_LastPage(t *testing.T) {
	it := &fakeIter{columns: []gocql.ColumnInfo{column("id", gocql.TypeInt)}}

	page, err := readPage(it)
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.False(t, page.HasMorePages())
}

func TestReadPage_Applied(t *testing.T) {
	tests := []struct {
		name string
		rows [][]any
		want bool
	}{
		{name: "applied", rows: [][]any{{true, 1}}, want: true},
		{name: "rejected", rows: [][]any{{false, 7}}, want: false},
		{name: "no_rows", rows: nil, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := &fakeIter{
				columns: []gocql.ColumnInfo{column(appliedColumn, gocql.TypeBoolean), column("id", gocql.TypeInt)},
				rows:    tt.rows,
			}
			page, err := readPage(it)
			require.NoError(t, err)
			assert.Equal(t, tt.want, page.Applied)
		})
	}
}

func TestReadPage_CloseError(t *testing.T) {
	it := &fakeIter{
		columns:  []gocql.ColumnInfo{column("id", gocql.TypeInt)},
		closeErr: errors.New("read timeout"),
	}

	_, err := readPage(it)
	assert.ErrorContains(t, err, "read timeout")
}

func TestRowsPerPage(t *testing.T) {
	assert.Equal(t, 100, rowsPerPage(stream.Options{PageSize: 100}))
	assert.Equal(t, stream.DefaultPageSize, rowsPerPage(stream.Options{}))
	assert.Equal(t, stream.DefaultPageSize, rowsPerPage(stream.Options{PageSize: 1 << 20, SizeInBytes: true}))
}

func TestDriver(t *testing.T) {
	d := New(nil, gocql.One)
	assert.Equal(t, "cql", d.Name())

	_, err := d.Source("  ")
	assert.Error(t, err)

	src, err := d.Source("SELECT * FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	assert.NotNil(t, src)
	assert.NoError(t, d.Close())

	_, err = Connect(Config{})
	assert.Error(t, err)
	_, err = Connect(Config{Hosts: []string{"127.0.0.1"}, Consistency: "BOGUS"})
	assert.Error(t, err)
}

func TestDeref(t *testing.T) {
	n := 5
	assert.Equal(t, 5, deref(&n))
	assert.Equal(t, "x", deref("x"))
	assert.Nil(t, deref(nil))
	var p *int
	assert.Equal(t, p, deref(p))
}
