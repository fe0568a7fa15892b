package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRow_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []any
		want  []any
	}{
		{"scalars", []any{"alice", int64(30), 3.5, true}, []any{"alice", int64(30), 3.5, true}},
		{"with_nil", []any{"bob", nil, int64(7)}, []any{"bob", nil, int64(7)}},
		{"narrow_ints_widen", []any{int8(1), int32(2), 3}, []any{int64(1), int64(2), int64(3)}},
		{"empty", nil, []any{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeRow(tc.input)
			require.NoError(t, err)

			row, err := DecodeRow(data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, row)
		})
	}
}

func TestDecodeRow_StringNotBytes(t *testing.T) {
	data, err := EncodeRow([]any{"k_000000013049"})
	require.NoError(t, err)

	row, err := DecodeRow(data)
	require.NoError(t, err)
	str, ok := row[0].(string)
	require.True(t, ok, "expected string, got %T", row[0])
	assert.Equal(t, "k_000000013049", str)
}

func TestDecodeRow_Rejects(t *testing.T) {
	scalar, err := Marshal("not a row")
	require.NoError(t, err)
	nilArray, err := Marshal([]any(nil))
	require.NoError(t, err)
	row, err := EncodeRow([]any{int64(1), "x"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"scalar", scalar},
		{"nil_array", nilArray},
		{"truncated", row[:len(row)-1]},
		{"trailing", append(append([]byte{}, row...), 0x01)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRow(tc.data)
			assert.ErrorIs(t, err, ErrNotARow)
		})
	}
}

func TestMarshal_SortsMapKeys(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := Marshal(map[string]any{"c": 3, "a": 2, "b": 1})
		require.NoError(t, err)
		require.Equal(t, a, b)
	}

	var out map[string]any
	require.NoError(t, Unmarshal(a, &out))
	assert.Equal(t, map[string]any{"a": int64(2), "b": int64(1), "c": int64(3)}, out)
}
