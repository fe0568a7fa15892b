package stream

import "time"

// PagingState is the opaque continuation handle returned with a page.
// An empty PagingState marks the last page.
type PagingState []byte

// ColumnDefinition describes one column of a result
type ColumnDefinition struct {
	Keyspace string
	Table    string
	Name     string
	Type     string
}

// ColumnDefinitions is the ordered column metadata of a result
type ColumnDefinitions []ColumnDefinition

// IndexOf returns the position of the named column, or -1.
func (c ColumnDefinitions) IndexOf(name string) int {
	for i := range c {
		if c[i].Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order
func (c ColumnDefinitions) Names() []string {
	names := make([]string, len(c))
	for i := range c {
		names[i] = c[i].Name
	}
	return names
}

// ExecutionInfo is per-page metadata. Sources fill Coordinator, Warnings and
// CustomPayload; the subscription stamps the remaining fields.
type ExecutionInfo struct {
	Coordinator   string
	Warnings      []string
	CustomPayload map[string][]byte

	PageNumber   int           // 1-based position of the page in the stream
	RowCount     int           // rows carried by the page
	PagingState  PagingState   // continuation returned with the page
	FetchLatency time.Duration // time from fetch start to completion
}

// Page is one batch of rows returned by a single fetch
type Page struct {
	Columns ColumnDefinitions // may be empty after the first page
	Rows    [][]any
	Info    ExecutionInfo
	Applied bool
	Next    PagingState
}

// HasMorePages reports whether the page carries a continuation
func (p *Page) HasMorePages() bool {
	return len(p.Next) > 0
}

// Row is a single result row as delivered to subscribers
type Row struct {
	Values  []any
	Columns ColumnDefinitions
	Info    *ExecutionInfo // metadata of the page the row arrived in
	Applied bool
}

// Get returns the value of the named column
func (r Row) Get(name string) (any, bool) {
	i := r.Columns.IndexOf(name)
	if i < 0 || i >= len(r.Values) {
		return nil, false
	}
	return r.Values[i], true
}
