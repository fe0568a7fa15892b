package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResultSet_Validation(t *testing.T) {
	_, err := NewResultSet(context.Background(), Config{})
	assert.Error(t, err)

	_, err = NewResultSet(context.Background(), Config{Source: newFakeSource(1), Options: Options{PageSize: -5}})
	assert.ErrorContains(t, err, "invalid page size")

	rs, err := NewResultSet(context.Background(), Config{Source: newFakeSource(1), StreamID: 9})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, rs.Options().PageSize)
	assert.Equal(t, uint64(9), rs.ID())
}

func TestResultSet_ForwardsOptions(t *testing.T) {
	src := newFakeSource(1, 1)
	opts := Options{PageSize: 1024, SizeInBytes: true}
	rec := newRecorder(Unbounded)

	require.NoError(t, newTestResultSet(t, src, opts).Subscribe(rec))
	rec.waitDone(t)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.opts, 2)
	assert.Equal(t, opts, src.opts[0])
	assert.Nil(t, src.states[0])
	assert.Equal(t, PagingState{1}, src.states[1])
}

func TestResultSet_NilSubscriber(t *testing.T) {
	rs := newTestResultSet(t, newFakeSource(1), DefaultOptions())
	assert.ErrorIs(t, rs.Subscribe(nil), ErrNilSubscriber)

	// A nil subscriber does not consume the subscription.
	rec := newRecorder(Unbounded)
	require.NoError(t, rs.Subscribe(rec))
	rec.waitDone(t)
	assert.Equal(t, 1, rec.rowCount())
}

func TestResultSet_SecondSubscriberRejected(t *testing.T) {
	src := newFakeSource(5)
	rs := newTestResultSet(t, src, DefaultOptions())
	first := newRecorder(0)
	second := newRecorder(Unbounded)

	require.NoError(t, rs.Subscribe(first))
	require.NoError(t, rs.Subscribe(second))
	second.waitDone(t)

	assert.Equal(t, []string{"subscribe", "error"}, second.eventLog())
	assert.ErrorIs(t, second.lastErr(), ErrMultipleSubscriptions)
	assert.Zero(t, second.rowCount())
	assert.NotPanics(t, func() {
		second.subscription().Request(10)
		second.subscription().Cancel()
	})

	// The first subscriber is unaffected.
	first.subscription().Request(Unbounded)
	first.waitDone(t)
	assert.Equal(t, seq(0, 5), first.values())
	assert.Equal(t, 1, src.callCount())
}

func TestResultSet_ConcurrentSubscribe(t *testing.T) {
	rs := newTestResultSet(t, newFakeSource(3), DefaultOptions())

	recs := make([]*recorder, 8)
	var wg sync.WaitGroup
	for i := range recs {
		recs[i] = newRecorder(Unbounded)
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			assert.NoError(t, rs.Subscribe(r))
		}(recs[i])
	}
	wg.Wait()

	served, rejected := 0, 0
	for _, r := range recs {
		r.waitDone(t)
		if r.lastErr() == nil {
			served++
			assert.Equal(t, seq(0, 3), r.values())
		} else {
			rejected++
			assert.ErrorIs(t, r.lastErr(), ErrMultipleSubscriptions)
		}
	}
	assert.Equal(t, 1, served)
	assert.Equal(t, 7, rejected)
}

type panickySubscriber struct {
	*recorder
}

func (p panickySubscriber) OnSubscribe(s Subscription) {
	p.recorder.OnSubscribe(s)
	panic("cannot subscribe")
}

func TestResultSet_PanicInOnSubscribe(t *testing.T) {
	src := newFakeSource(3)
	rs := newTestResultSet(t, src, DefaultOptions())
	rec := newRecorder(0)

	require.NotPanics(t, func() { require.NoError(t, rs.Subscribe(panickySubscriber{rec})) })
	rec.waitDone(t)

	assert.ErrorIs(t, rec.lastErr(), ErrSubscriberViolation)
	assert.Zero(t, src.callCount())
	assert.ErrorIs(t, awaitErr(t, rs.ColumnDefinitions()), ErrCancelled)

	// The subscription handed out before the panic is dead.
	rec.subscription().Request(1)
	assert.Zero(t, rec.rowCount())
	assert.Zero(t, src.callCount())
}

type cancelThenPanicSubscriber struct {
	*recorder
}

func (c cancelThenPanicSubscriber) OnSubscribe(s Subscription) {
	c.recorder.OnSubscribe(s)
	s.Cancel()
	panic("boom")
}

func TestResultSet_CancelThenPanicInOnSubscribe(t *testing.T) {
	src := newFakeSource(3)
	rs := newTestResultSet(t, src, DefaultOptions())
	rec := newRecorder(0)

	require.NotPanics(t, func() { require.NoError(t, rs.Subscribe(cancelThenPanicSubscriber{rec})) })
	rec.waitDone(t)

	errored, completed := rec.terminals()
	assert.Equal(t, 1, errored)
	assert.Zero(t, completed)
	assert.ErrorIs(t, rec.lastErr(), ErrSubscriberViolation)
	assert.Zero(t, src.callCount())
}

func TestResultSet_AbortBeforeSubscribe(t *testing.T) {
	var terminated atomic.Int32
	var cause error
	rs, err := NewResultSet(context.Background(), Config{
		Source:   newFakeSource(3),
		StreamID: 5,
		OnTerminate: func(id uint64, err error) {
			assert.Equal(t, uint64(5), id)
			cause = err
			terminated.Add(1)
		},
	})
	require.NoError(t, err)

	rs.Abort(errBoom)
	rs.Abort(nil)
	assert.Equal(t, int32(1), terminated.Load())
	assert.ErrorIs(t, cause, errBoom)
	assert.ErrorIs(t, awaitErr(t, rs.ExecutionInfos()), errBoom)

	rec := newRecorder(Unbounded)
	require.NoError(t, rs.Subscribe(rec))
	rec.waitDone(t)
	assert.ErrorIs(t, rec.lastErr(), errBoom)
}

func TestResultSet_AbortDuringStream(t *testing.T) {
	src := newFakeSource(3, 3)
	src.gate = make(chan struct{})
	rec := newRecorder(Unbounded)
	rs := newTestResultSet(t, src, DefaultOptions())

	require.NoError(t, rs.Subscribe(rec))
	rs.Abort(errBoom)
	rec.waitDone(t)
	close(src.gate)

	assert.ErrorIs(t, rec.lastErr(), errBoom)
	errored, completed := rec.terminals()
	assert.Equal(t, 1, errored)
	assert.Equal(t, 0, completed)
}

func TestResultSet_OnTerminateOnce(t *testing.T) {
	var calls atomic.Int32
	rs, err := NewResultSet(context.Background(), Config{
		Source:      newFakeSource(2, 2),
		OnTerminate: func(uint64, error) { calls.Add(1) },
	})
	require.NoError(t, err)

	rec := newRecorder(Unbounded)
	require.NoError(t, rs.Subscribe(rec))
	rec.waitDone(t)
	rec.subscription().Cancel()
	rec.subscription().Request(1)
	rs.Abort(errBoom)

	assert.Equal(t, int32(1), calls.Load())
	errored, completed := rec.terminals()
	assert.Equal(t, 0, errored)
	assert.Equal(t, 1, completed)
}
