package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// checksumSize is the length of the xxhash64 trailer appended to every paging state.
const checksumSize = 8

// ErrCorruptPagingState is returned when a paging state fails its checksum or
// cannot be decoded. Paging states are opaque to callers, so a mismatch means
// the handle was truncated, altered, or minted by a different source.
var ErrCorruptPagingState = errors.New("corrupt paging state")

// EncodePagingState serializes a source cursor into an opaque paging state:
// msgpack(cursor) followed by the little-endian xxhash64 of that payload.
func EncodePagingState(cursor interface{}) ([]byte, error) {
	payload, err := Marshal(cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to encode paging state: %w", err)
	}

	state := make([]byte, len(payload)+checksumSize)
	copy(state, payload)
	binary.LittleEndian.PutUint64(state[len(payload):], xxhash.Sum64(payload))
	return state, nil
}

// DecodePagingState verifies and decodes a paging state produced by
// EncodePagingState into cursor.
func DecodePagingState(state []byte, cursor interface{}) error {
	if len(state) <= checksumSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptPagingState, len(state))
	}

	payload := state[:len(state)-checksumSize]
	sum := binary.LittleEndian.Uint64(state[len(payload):])
	if xxhash.Sum64(payload) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptPagingState)
	}

	if err := Unmarshal(payload, cursor); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPagingState, err)
	}
	return nil
}
