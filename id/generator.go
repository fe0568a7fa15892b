package id

import (
	"sync"
	"time"
)

// Bit allocation for stream IDs (64 bits total):
//   - 42 bits for wall time in milliseconds (~139 years from epoch)
//   - 6 bits for client ID (64 distinct clients before wrap)
//   - 16 bits for logical counter (~65k IDs per ms per client)
const (
	LogicalBits  = 16
	LogicalMask  = (1 << LogicalBits) - 1
	ClientIDBits = 6
	ClientIDMask = (1 << ClientIDBits) - 1

	totalShiftBits = ClientIDBits + LogicalBits
)

// Generator provides unique IDs for result streams.
// IDs are unique per client and roughly time-ordered.
type Generator interface {
	NextID() uint64
}

// StreamIDGenerator generates time-ordered stream IDs.
// Thread-safe via its internal mutex.
type StreamIDGenerator struct {
	clientID uint64
	lastMS   int64
	logical  int64
	mu       sync.Mutex
	now      func() time.Time
}

// NewStreamIDGenerator creates a generator stamping IDs with the given client ID.
func NewStreamIDGenerator(clientID uint64) *StreamIDGenerator {
	return &StreamIDGenerator{
		clientID: clientID & ClientIDMask,
		now:      time.Now,
	}
}

// NextID generates a unique 64-bit ID.
// Format: (physical_ms << 22) | (client_id << 16) | logical
func (g *StreamIDGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		// Wall clock stepped backwards; keep issuing from the last millisecond.
		ms = g.lastMS
	}
	if ms > g.lastMS {
		g.lastMS = ms
		g.logical = 0
	}

	// Logical counter exhausted for this millisecond: move on to the next one.
	for g.logical >= LogicalMask {
		time.Sleep(100 * time.Microsecond)
		if now := g.now().UnixMilli(); now > g.lastMS {
			g.lastMS = now
			g.logical = 0
		}
	}

	g.logical++
	return (uint64(g.lastMS) << totalShiftBits) | (g.clientID << LogicalBits) | uint64(g.logical)
}

// ClientOf extracts the client ID bits from a stream ID.
func ClientOf(streamID uint64) uint64 {
	return (streamID >> LogicalBits) & ClientIDMask
}

// TimeOf returns the wall-clock millisecond a stream ID was issued at.
func TimeOf(streamID uint64) time.Time {
	return time.UnixMilli(int64(streamID >> totalShiftBits))
}
