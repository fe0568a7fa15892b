package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/rowstream/telemetry"
	"github.com/rs/zerolog/log"
)

// Unbounded is the demand sentinel meaning "emit everything". Demand
// saturates at this value instead of overflowing.
const Unbounded int64 = math.MaxInt64

// Subscriber receives rows from a ResultSet. Callbacks are never invoked
// concurrently for the same subscription.
type Subscriber interface {
	OnSubscribe(Subscription)
	OnNext(Row)
	OnError(error)
	OnComplete()
}

// Subscription is the handle a Subscriber uses to signal demand or cancel
type Subscription interface {
	// Request authorizes n more rows; n <= 0 terminates the stream with an error
	Request(n int64)
	// Cancel stops the stream without a terminal signal; idempotent
	Cancel()
}

type state int32

const (
	stateUnstarted state = iota
	stateActive
	stateCompleted
	stateFailed
	stateCancelled
)

func (s state) String() string {
	switch s {
	case stateUnstarted:
		return "unstarted"
	case stateActive:
		return "active"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s state) terminal() bool {
	return s >= stateCompleted
}

// fetchResult is a completed page fetch waiting for the drain loop
type fetchResult struct {
	page    *Page
	err     error
	started time.Time
	done    time.Time
}

// subscription is the demand-tracking state machine behind a ResultSet.
//
// request, cancel and fetch completions may arrive on any goroutine. They only
// record their event (demand counter, inbox, state) and then call drain;
// whichever goroutine wins the wip counter runs drainOnce until no work is
// left, so emission is never concurrent or reentrant.
type subscription struct {
	id          uint64
	ctx         context.Context
	stop        context.CancelFunc
	subscriber  Subscriber
	source      PageSource
	opts        Options
	relays      *relays
	onTerminate func(streamID uint64, err error)

	state       atomic.Int32
	requested   atomic.Int64
	wip         atomic.Int32
	interrupted atomic.Bool

	mu        sync.Mutex
	inbox     []fetchResult
	interrupt error

	// Owned by the drain loop.
	ctrl      *pageController
	buffer    []Row
	columns   ColumnDefinitions
	infos     []ExecutionInfo
	applied   bool
	next      PagingState
	err       error
	timer     *time.Timer
	emitted   int64
	started   bool
	firstSeen bool
	fetching  bool
	last      bool
	released  bool
}

func newSubscription(ctx context.Context, config Config, subscriber Subscriber, r *relays) *subscription {
	ctx, stop := context.WithCancel(ctx)
	telemetry.ActiveStreams.Inc()
	return &subscription{
		id:          config.StreamID,
		ctx:         ctx,
		stop:        stop,
		subscriber:  subscriber,
		source:      config.Source,
		opts:        config.Options,
		relays:      r,
		onTerminate: config.OnTerminate,
		ctrl:        newPageController(config.Options),
	}
}

func (s *subscription) currentState() state {
	return state(s.state.Load())
}

func (s *subscription) Request(n int64) {
	if n <= 0 {
		telemetry.ProtocolViolationsTotal.With("non_positive_request").Inc()
		s.interruptWith(fmt.Errorf("%w: request(%d)", ErrNonPositiveRequest, n))
		return
	}

	for {
		cur := s.requested.Load()
		if cur == Unbounded {
			break
		}
		next := cur + n
		if next < 0 {
			next = Unbounded
		}
		if s.requested.CompareAndSwap(cur, next) {
			break
		}
	}
	s.drain()
}

func (s *subscription) Cancel() {
	for {
		st := s.currentState()
		if st.terminal() {
			return
		}
		if s.state.CompareAndSwap(int32(st), int32(stateCancelled)) {
			break
		}
	}

	log.Debug().Uint64("stream_id", s.id).Msg("Stream cancelled by subscriber")
	s.stop()
	s.drain()
}

// start begins the fetch loop. It must run after OnSubscribe returned.
func (s *subscription) start() {
	s.state.CompareAndSwap(int32(stateUnstarted), int32(stateActive))
	s.drain()
}

// interruptWith terminates the stream with err at the next drain pass
func (s *subscription) interruptWith(err error) {
	s.mu.Lock()
	if s.interrupt == nil {
		s.interrupt = err
	}
	s.mu.Unlock()
	s.interrupted.Store(true)
	s.drain()
}

// violate handles a subscriber that broke the protocol before the fetch loop
// started: the subscription is cancelled and err is signalled once. It runs
// only from Subscribe, so a cancelled state here means the subscriber
// cancelled inside OnSubscribe and still gets the error.
func (s *subscription) violate(err error) {
	for {
		st := s.currentState()
		if st == stateCancelled {
			break
		}
		if st.terminal() {
			return
		}
		if s.state.CompareAndSwap(int32(st), int32(stateCancelled)) {
			break
		}
	}

	log.Warn().Err(err).Uint64("stream_id", s.id).Msg("Subscriber violated the stream protocol")
	s.stop()
	s.signal("OnError", func() { s.subscriber.OnError(err) })
	s.drain()
}

func (s *subscription) drain() {
	if s.wip.Add(1) != 1 {
		return
	}

	missed := int32(1)
	for {
		s.drainOnce()
		missed = s.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (s *subscription) drainOnce() {
	st := s.currentState()
	if st == stateUnstarted {
		return
	}
	if st.terminal() {
		s.takeInbox()
		s.release()
		return
	}

	results, interrupt := s.takeInbox()
	if interrupt != nil {
		s.fail(interrupt)
		return
	}
	for _, r := range results {
		if !s.accept(r) {
			return
		}
	}

	if !s.started {
		// The first page is fetched regardless of demand: column metadata
		// must be known before any row is emitted.
		s.started = true
		s.fetch(true)
	}

	s.emit()

	if s.currentState() != stateActive {
		s.release()
		return
	}
	if len(s.buffer) > 0 || s.fetching || !s.firstSeen {
		return
	}
	if s.last {
		s.complete()
		return
	}
	if s.requested.Load() > 0 {
		s.fetch(false)
	}
}

func (s *subscription) takeInbox() ([]fetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := s.inbox
	s.inbox = nil
	return results, s.interrupt
}

// accept merges a completed fetch into the buffer; false means the stream failed
func (s *subscription) accept(r fetchResult) bool {
	s.fetching = false
	s.ctrl.completed(r.done)

	latency := r.done.Sub(r.started)
	telemetry.PageFetchSeconds.Observe(latency.Seconds())

	if r.err == nil && r.page == nil {
		r.err = ErrNoPage
	}
	if r.err != nil {
		telemetry.PagesFetchedTotal.With("failed").Inc()
		s.fail(r.err)
		return false
	}
	telemetry.PagesFetchedTotal.With("success").Inc()

	page := r.page
	cols := page.Columns
	if len(cols) == 0 {
		cols = s.columns
	}
	if !s.firstSeen {
		s.firstSeen = true
		s.columns = cols
		s.applied = page.Applied
		s.relays.columns.publish(cols)
	}

	info := page.Info
	info.PageNumber = len(s.infos) + 1
	info.RowCount = len(page.Rows)
	info.PagingState = page.Next
	info.FetchLatency = latency
	s.infos = append(s.infos, info)

	for _, values := range page.Rows {
		s.buffer = append(s.buffer, Row{
			Values:  values,
			Columns: cols,
			Info:    &info,
			Applied: page.Applied,
		})
	}
	telemetry.PageRows.Observe(float64(len(page.Rows)))

	s.next = page.Next
	s.last = s.ctrl.isLast(page)
	if s.last && page.HasMorePages() {
		telemetry.MaxPagesReachedTotal.Inc()
		log.Debug().
			Uint64("stream_id", s.id).
			Int("max_pages", s.opts.MaxPages).
			Msg("Max pages reached, completing stream early")
	}
	return true
}

func (s *subscription) emit() {
	for len(s.buffer) > 0 {
		if s.currentState() != stateActive || s.interrupted.Load() {
			return
		}
		r := s.requested.Load()
		if r <= 0 {
			return
		}

		row := s.buffer[0]
		s.buffer[0] = Row{}
		s.buffer = s.buffer[1:]
		if r != Unbounded {
			s.requested.Add(-1)
		}
		s.emitted++
		telemetry.RowsEmittedTotal.Inc()

		if !s.deliverRow(row) {
			return
		}
	}
}

// deliverRow calls OnNext; a panicking subscriber gets its subscription cancelled
func (s *subscription) deliverRow(row Row) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.ProtocolViolationsTotal.With("subscriber_panic").Inc()
			log.Error().
				Uint64("stream_id", s.id).
				Interface("panic", r).
				Msg("Subscriber panicked in OnNext, cancelling stream")
			s.Cancel()
			ok = false
		}
	}()

	s.subscriber.OnNext(row)
	return true
}

// fetch issues the next page request, deferring it when rate limited
func (s *subscription) fetch(first bool) {
	s.fetching = true
	s.ctrl.started()
	ps := s.next

	wait := s.ctrl.delay()
	if wait <= 0 {
		s.issue(first, ps)
		return
	}

	telemetry.ThrottleDelaySeconds.Observe(wait.Seconds())
	s.timer = time.AfterFunc(wait, func() {
		s.issue(first, ps)
	})
}

func (s *subscription) issue(first bool, ps PagingState) {
	if s.currentState().terminal() {
		return
	}

	started := time.Now()
	f, err := s.call(first, ps)
	if err != nil {
		s.deliver(fetchResult{err: err, started: started, done: time.Now()})
		return
	}
	f.Subscribe(func(page *Page, err error) {
		s.deliver(fetchResult{page: page, err: err, started: started, done: time.Now()})
	})
}

func (s *subscription) call(first bool, ps PagingState) (f *future.Future[*Page], err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("page source panicked: %v", r)
		}
	}()

	if first {
		f = s.source.FirstPage(s.ctx, s.opts)
	} else {
		f = s.source.NextPage(s.ctx, ps, s.opts)
	}
	if f == nil {
		return nil, ErrNoPage
	}
	return f, nil
}

// deliver hands a fetch result to the drain loop; results for terminated
// streams are dropped without any observable effect.
func (s *subscription) deliver(r fetchResult) {
	if s.currentState().terminal() {
		telemetry.LateResultsDiscardedTotal.Inc()
		log.Debug().Uint64("stream_id", s.id).Msg("Discarding page result for terminated stream")
		return
	}

	s.mu.Lock()
	s.inbox = append(s.inbox, r)
	s.mu.Unlock()
	s.drain()
}

func (s *subscription) complete() {
	if !s.state.CompareAndSwap(int32(stateActive), int32(stateCompleted)) {
		return
	}

	s.relays.infos.publish(s.infos)
	s.relays.applied.publish(s.applied)
	s.signal("OnComplete", s.subscriber.OnComplete)
	s.release()
}

func (s *subscription) fail(err error) {
	if !s.state.CompareAndSwap(int32(stateActive), int32(stateFailed)) {
		return
	}

	s.err = err
	log.Debug().Err(err).Uint64("stream_id", s.id).Msg("Stream failed")
	s.relays.failPending(err)
	s.signal("OnError", func() { s.subscriber.OnError(err) })
	s.release()
}

// signal invokes a terminal callback, containing subscriber panics
func (s *subscription) signal(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.ProtocolViolationsTotal.With("subscriber_panic").Inc()
			log.Error().
				Uint64("stream_id", s.id).
				Str("callback", callback).
				Interface("panic", r).
				Msg("Subscriber panicked in terminal callback")
		}
	}()
	fn()
}

// release frees everything a terminated subscription holds; runs once
func (s *subscription) release() {
	if s.released {
		return
	}
	s.released = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buffer = nil
	s.stop()

	st := s.currentState()
	cause := s.err
	if st == stateCancelled {
		cause = ErrCancelled
	}
	if cause != nil {
		s.relays.failPending(cause)
	}

	telemetry.ActiveStreams.Dec()
	telemetry.StreamsTotal.With(st.String()).Inc()
	log.Debug().
		Uint64("stream_id", s.id).
		Str("state", st.String()).
		Int64("rows", s.emitted).
		Int("pages", len(s.infos)).
		Msg("Stream terminated")

	if s.onTerminate != nil {
		s.onTerminate(s.id, cause)
	}
}
