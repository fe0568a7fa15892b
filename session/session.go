// Package session executes queries against a Driver and tracks the result
// sets it hands out until they terminate.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/maxpert/rowstream/id"
	"github.com/maxpert/rowstream/stream"
	"github.com/maxpert/rowstream/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrSessionClosed is returned by Execute after Close and used to abort live streams
var ErrSessionClosed = errors.New("session closed")

// Driver turns a query into a page source
type Driver interface {
	// Name identifies the driver in logs and metrics
	Name() string
	// Source prepares query for paging; nothing is fetched until subscription
	Source(query string, args ...any) (stream.PageSource, error)
}

// Config configures a Session
type Config struct {
	Driver   Driver
	Options  stream.Options
	ClientID uint64
	// IDs overrides the stream ID generator derived from ClientID
	IDs id.Generator
}

// Session is safe for concurrent use
type Session struct {
	driver Driver
	opts   stream.Options
	ids    id.Generator
	live   *xsync.MapOf[uint64, *stream.ResultSet]
	closed atomic.Bool
}

// New creates a session; Options are validated once here
func New(config Config) (*Session, error) {
	if config.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if err := config.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid paging options: %w", err)
	}

	ids := config.IDs
	if ids == nil {
		ids = id.NewStreamIDGenerator(config.ClientID)
	}

	return &Session{
		driver: config.Driver,
		opts:   config.Options,
		ids:    ids,
		live:   xsync.NewMapOf[uint64, *stream.ResultSet](),
	}, nil
}

// Execute runs query with the session's default paging options
func (s *Session) Execute(ctx context.Context, query string, args ...any) (*stream.ResultSet, error) {
	return s.ExecuteWith(ctx, s.opts, query, args...)
}

// ExecuteWith runs query with per-call paging options
func (s *Session) ExecuteWith(ctx context.Context, opts stream.Options, query string, args ...any) (*stream.ResultSet, error) {
	driver := s.driver.Name()
	if s.closed.Load() {
		telemetry.QueriesTotal.With(driver, "rejected").Inc()
		return nil, ErrSessionClosed
	}

	src, err := s.driver.Source(query, args...)
	if err != nil {
		telemetry.QueriesTotal.With(driver, "rejected").Inc()
		return nil, fmt.Errorf("prepare %q: %w", query, err)
	}

	streamID := s.ids.NextID()
	rs, err := stream.NewResultSet(ctx, stream.Config{
		Source:      src,
		Options:     opts,
		StreamID:    streamID,
		OnTerminate: s.forget,
	})
	if err != nil {
		telemetry.QueriesTotal.With(driver, "rejected").Inc()
		return nil, err
	}

	s.live.Store(streamID, rs)
	// Close may have raced with registration; make sure nothing outlives it.
	if s.closed.Load() {
		rs.Abort(ErrSessionClosed)
		telemetry.QueriesTotal.With(driver, "rejected").Inc()
		return nil, ErrSessionClosed
	}

	telemetry.QueriesTotal.With(driver, "accepted").Inc()
	log.Debug().
		Uint64("stream_id", streamID).
		Str("driver", driver).
		Str("query", query).
		Msg("Stream created")
	return rs, nil
}

func (s *Session) forget(streamID uint64, err error) {
	s.live.Delete(streamID)
	if err != nil && !errors.Is(err, stream.ErrCancelled) && !errors.Is(err, ErrSessionClosed) {
		log.Warn().Err(err).Uint64("stream_id", streamID).Msg("Stream failed")
	}
}

// Streams returns the IDs of live streams in ascending order
func (s *Session) Streams() []uint64 {
	ids := make([]uint64, 0, s.live.Size())
	s.live.Range(func(id uint64, _ *stream.ResultSet) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LiveStreams implements telemetry.StatsProvider
func (s *Session) LiveStreams() int {
	return s.live.Size()
}

// Close aborts every live stream and rejects further executions
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	aborted := 0
	s.live.Range(func(_ uint64, rs *stream.ResultSet) bool {
		rs.Abort(ErrSessionClosed)
		aborted++
		return true
	})

	log.Info().Int("aborted", aborted).Str("driver", s.driver.Name()).Msg("Session closed")
	return nil
}
