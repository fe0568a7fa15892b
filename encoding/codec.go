// Package encoding holds the msgpack codec shared by the storage sources and
// paging states. Rows are msgpack arrays; cells decode loosely, so integers
// come back as int64/uint64 and text as Go strings whatever width or type
// they were written with.
package encoding

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotARow is returned by DecodeRow for payloads that are not a msgpack array
var ErrNotARow = errors.New("payload is not a row")

// Marshal encodes v with map keys sorted, so equal cursors and column sets
// always produce identical bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v using loose interface decoding
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// EncodeRow encodes the cell values of one row
func EncodeRow(values []any) ([]byte, error) {
	if values == nil {
		values = []any{}
	}
	return Marshal(values)
}

// DecodeRow decodes a payload written by EncodeRow. Trailing bytes after the
// array are rejected.
func DecodeRow(data []byte) ([]any, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotARow, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: nil array", ErrNotARow)
	}

	values := make([]any, n)
	for i := range values {
		if values[i], err = dec.DecodeInterfaceLoose(); err != nil {
			return nil, fmt.Errorf("%w: cell %d: %v", ErrNotARow, i, err)
		}
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrNotARow, r.Len())
	}
	return values, nil
}
