package pebblesrc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/rowstream/stream"
)

// Driver executes table-name queries against a Store
type Driver struct {
	store *Store
}

// NewDriver wraps store; closing the driver closes the store
func NewDriver(store *Store) *Driver {
	return &Driver{store: store}
}

func (d *Driver) Name() string {
	return "pebble"
}

// Source resolves query as a table name. Unknown tables fail here rather
// than on the first fetch.
func (d *Driver) Source(query string, args ...any) (stream.PageSource, error) {
	name := strings.TrimSpace(query)
	if name == "" {
		return nil, errors.New("table name is required")
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("pebble source does not take arguments, got %d", len(args))
	}
	if _, err := d.store.lookup(name); err != nil {
		return nil, err
	}
	return d.store.Source(name), nil
}

// Store returns the underlying store
func (d *Driver) Store() *Store {
	return d.store
}

func (d *Driver) Close() error {
	return d.store.Close()
}
