package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/rowstream/telemetry"
	"github.com/rs/zerolog/log"
)

// Config describes the stream a ResultSet publishes
type Config struct {
	Source   PageSource
	Options  Options
	StreamID uint64

	// OnTerminate is called once when the stream reaches a terminal state or
	// is aborted before anyone subscribed. err is nil on completion.
	OnTerminate func(streamID uint64, err error)
}

// ResultSet publishes the rows of a paged query to exactly one subscriber.
// Column metadata, execution infos and the was-applied flag are exposed as
// Single values that settle as the stream progresses.
type ResultSet struct {
	ctx    context.Context
	config Config
	relays *relays

	once   atomic.Bool
	active atomic.Pointer[subscription]

	mu       sync.Mutex
	abortErr error
}

// NewResultSet validates config and returns an unsubscribed ResultSet.
// Nothing is fetched until Subscribe is called.
func NewResultSet(ctx context.Context, config Config) (*ResultSet, error) {
	if config.Source == nil {
		return nil, errors.New("page source is required")
	}
	if err := config.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid paging options: %w", err)
	}
	config.Options = config.Options.withDefaults()

	return &ResultSet{
		ctx:    ctx,
		config: config,
		relays: newRelays(),
	}, nil
}

// ID returns the stream ID this result set was created with
func (rs *ResultSet) ID() uint64 {
	return rs.config.StreamID
}

// Options returns the effective paging options
func (rs *ResultSet) Options() Options {
	return rs.config.Options
}

// Subscribe attaches subscriber to the stream. Only the first subscriber is
// served; every later one receives a no-op subscription followed by
// ErrMultipleSubscriptions. A nil subscriber is rejected synchronously.
func (rs *ResultSet) Subscribe(subscriber Subscriber) error {
	if subscriber == nil {
		return ErrNilSubscriber
	}

	if !rs.once.CompareAndSwap(false, true) {
		err := rs.abortError()
		if err == nil {
			telemetry.ProtocolViolationsTotal.With("multiple_subscriptions").Inc()
			err = ErrMultipleSubscriptions
		}
		rejectSubscriber(subscriber, err)
		return nil
	}

	sub := newSubscription(rs.ctx, rs.config, subscriber, rs.relays)
	rs.active.Store(sub)
	if err := rs.abortError(); err != nil {
		sub.interruptWith(err)
	}

	if err := notifySubscribed(subscriber, sub); err != nil {
		telemetry.ProtocolViolationsTotal.With("subscriber_panic").Inc()
		sub.violate(err)
		return nil
	}

	sub.start()
	return nil
}

// Abort terminates the stream with err. Subscribers that arrive afterwards
// receive err instead of rows. A nil err means ErrCancelled.
func (rs *ResultSet) Abort(err error) {
	if err == nil {
		err = ErrCancelled
	}

	rs.mu.Lock()
	if rs.abortErr == nil {
		rs.abortErr = err
	}
	rs.mu.Unlock()

	if rs.once.CompareAndSwap(false, true) {
		log.Debug().Err(err).Uint64("stream_id", rs.config.StreamID).Msg("Aborting unsubscribed stream")
		rs.relays.failPending(err)
		if rs.config.OnTerminate != nil {
			rs.config.OnTerminate(rs.config.StreamID, err)
		}
		return
	}

	if sub := rs.active.Load(); sub != nil {
		sub.interruptWith(err)
	}
}

func (rs *ResultSet) abortError() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.abortErr
}

// ColumnDefinitions settles with the column metadata of the first page
func (rs *ResultSet) ColumnDefinitions() Single[ColumnDefinitions] {
	return rs.relays.columns
}

// ExecutionInfos settles with the metadata of every fetched page once the
// stream completes
func (rs *ResultSet) ExecutionInfos() Single[[]ExecutionInfo] {
	return rs.relays.infos
}

// WasApplied settles with the conditional-update outcome once the stream completes
func (rs *ResultSet) WasApplied() Single[bool] {
	return rs.relays.applied
}

func notifySubscribed(subscriber Subscriber, sub Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in OnSubscribe: %v", ErrSubscriberViolation, r)
		}
	}()

	subscriber.OnSubscribe(sub)
	return nil
}

func rejectSubscriber(subscriber Subscriber, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Rejected subscriber panicked")
		}
	}()

	subscriber.OnSubscribe(noopSubscription{})
	subscriber.OnError(err)
}

type noopSubscription struct{}

func (noopSubscription) Request(int64) {}
func (noopSubscription) Cancel()       {}
