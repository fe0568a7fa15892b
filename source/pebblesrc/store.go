// Package pebblesrc stores tables of rows in Pebble and pages through them
// in insertion order.
package pebblesrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/rowstream/encoding"
	"github.com/maxpert/rowstream/stream"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixRows = "/rows/" // /rows/{table}/{16-digit-hex-seq} -> zstd(msgpack(row))
	prefixSeq  = "/seq/"  // /seq/{table} -> uint64 (last assigned sequence)
	prefixCols = "/cols/" // /cols/{table} -> msgpack(columns)
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

const defaultReadLimit = 100

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("store is closed")
	// ErrUnknownTable is returned for tables that were never created
	ErrUnknownTable = errors.New("unknown table")
	// ErrCorruptRow is returned by ReadFrom when a stored row cannot be decoded
	ErrCorruptRow = errors.New("corrupt row")
)

// Batch is the result of a single ReadFrom call
type Batch struct {
	Rows  [][]any
	Last  uint64 // sequence of the last row read; the cursor for the next call
	Bytes int    // uncompressed size of the rows read
	More  bool   // rows exist after Last
}

// Store is safe for concurrent use. Appends to the same table are serialized.
type Store struct {
	db   *pebble.DB
	path string
	enc  *zstd.Encoder
	dec  *zstd.Decoder

	mu     sync.RWMutex
	tables map[string]*table

	closed atomic.Bool
}

type table struct {
	columns stream.ColumnDefinitions
	lastSeq uint64
	dropped bool
	mu      sync.Mutex
}

// Open creates or opens a store under dataDir
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "rows")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open row store at %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		enc:    enc,
		dec:    dec,
		tables: make(map[string]*table),
	}
	if err := s.loadTables(); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to load tables: %w", err)
	}
	return s, nil
}

// loadTables loads table schemas and sequence numbers into memory
func (s *Store) loadTables() error {
	prefix := []byte(prefixCols)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCols):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		var cols stream.ColumnDefinitions
		if err := encoding.Unmarshal(val, &cols); err != nil {
			return fmt.Errorf("corrupted schema for table %s: %w", name, err)
		}
		seq, err := s.loadSeq(name)
		if err != nil {
			return err
		}
		s.tables[name] = &table{columns: cols, lastSeq: seq}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(s.tables) > 0 {
		log.Info().Int("tables", len(s.tables)).Str("path", s.path).Msg("Loaded row store tables")
	}
	return nil
}

func (s *Store) loadSeq(name string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(prefixSeq + name))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid sequence value length for table %s: %d", name, len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (s *Store) lookup(name string) (*table, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// CreateTable registers a table and its columns
func (s *Store) CreateTable(name string, columns stream.ColumnDefinitions) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid table name %q", name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %s needs at least one column", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("table %s already exists", name)
	}

	cols := make(stream.ColumnDefinitions, len(columns))
	for i, c := range columns {
		c.Table = name
		cols[i] = c
	}
	val, err := encoding.Marshal(cols)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}
	if err := s.db.Set([]byte(prefixCols+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}

	s.tables[name] = &table{columns: cols}
	log.Debug().Str("table", name).Int("columns", len(cols)).Msg("Created table")
	return nil
}

// DropTable deletes a table with all of its rows
func (s *Store) DropTable(name string) error {
	t, err := s.lookup(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := []byte(rowPrefix(name))
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("failed to delete rows: %w", err)
	}
	if err := batch.Delete([]byte(prefixSeq+name), nil); err != nil {
		return fmt.Errorf("failed to delete sequence: %w", err)
	}
	if err := batch.Delete([]byte(prefixCols+name), nil); err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	t.dropped = true
	delete(s.tables, name)
	return nil
}

// Tables returns the names of all tables in sorted order
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns returns the column definitions of a table
func (s *Store) Columns(name string) (stream.ColumnDefinitions, error) {
	t, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.columns, nil
}

// Append adds rows to a table and returns the sequence of the last row
func (s *Store) Append(name string, rows [][]any) (uint64, error) {
	t, err := s.lookup(name)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	if len(rows) == 0 {
		return t.lastSeq, nil
	}

	// Reserve sequence numbers locally first (before commit)
	localSeq := t.lastSeq

	batch := s.db.NewBatch()
	defer batch.Close()

	for i, row := range rows {
		if len(row) != len(t.columns) {
			return 0, fmt.Errorf("row %d has %d values, table %s has %d columns", i, len(row), name, len(t.columns))
		}

		raw, err := encoding.EncodeRow(row)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal row %d: %w", i, err)
		}

		localSeq++
		if err := batch.Set([]byte(formatRowKey(name, localSeq)), s.enc.EncodeAll(raw, nil), nil); err != nil {
			return 0, fmt.Errorf("failed to write row: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, localSeq)
	if err := batch.Set([]byte(prefixSeq+name), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory sequence AFTER successful commit
	t.lastSeq = localSeq
	return localSeq, nil
}

// ReadFrom reads rows after cursor. Reading stops after limit rows, or once
// the uncompressed row bytes reach byteBudget; at least one row is returned
// when any exist. With neither bound set, defaultReadLimit applies. A row
// that fails to decode fails the whole read with ErrCorruptRow.
func (s *Store) ReadFrom(name string, cursor uint64, limit, byteBudget int) (*Batch, error) {
	if _, err := s.lookup(name); err != nil {
		return nil, err
	}

	if limit <= 0 && byteBudget <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last row already read)
	startKey := []byte(formatRowKey(name, cursor+1))
	prefix := []byte(rowPrefix(name))

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	batch := &Batch{Last: cursor}
	for iter.SeekGE(startKey); iter.Valid(); iter.Next() {
		if limit > 0 && len(batch.Rows) >= limit {
			break
		}
		if byteBudget > 0 && len(batch.Rows) > 0 && batch.Bytes >= byteBudget {
			break
		}

		seq, err := parseRowKey(iter.Key())
		if err != nil {
			return nil, err
		}
		batch.Last = seq

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		raw, err := s.dec.DecodeAll(val, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s seq %d: %v", ErrCorruptRow, name, seq, err)
		}
		row, err := encoding.DecodeRow(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s seq %d: %v", ErrCorruptRow, name, seq, err)
		}

		batch.Rows = append(batch.Rows, row)
		batch.Bytes += len(raw)
	}
	batch.More = iter.Valid()

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return batch, nil
}

// Path returns the directory holding the Pebble database
func (s *Store) Path() string {
	return s.path
}

// Close closes the Pebble database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.release()
}

func (s *Store) release() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close zstd encoder")
	}
	return s.db.Close()
}

func rowPrefix(name string) string {
	return prefixRows + name + "/"
}

// formatRowKey formats a sequence number as a 16-digit zero-padded key
func formatRowKey(name string, seq uint64) string {
	return fmt.Sprintf("%s%016x", rowPrefix(name), seq)
}

func parseRowKey(key []byte) (uint64, error) {
	i := strings.LastIndexByte(string(key), '/')
	if i < 0 {
		return 0, fmt.Errorf("malformed row key %q", key)
	}

	seq, err := strconv.ParseUint(string(key[i+1:]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed row key %q: %w", key, err)
	}
	return seq, nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
