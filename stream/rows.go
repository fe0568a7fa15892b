package stream

import (
	"context"
	"sync/atomic"
)

// DefaultPrefetch is the number of rows Iterate keeps requested ahead of the consumer
const DefaultPrefetch = 256

// Rows is a pull-style iterator over a ResultSet. It keeps at most prefetch
// rows buffered or requested and refills demand as rows are consumed.
//
//	rows := stream.Iterate(rs, 0)
//	defer rows.Close()
//	for rows.Next(ctx) {
//		use(rows.Row())
//	}
//	return rows.Err()
type Rows struct {
	ch       chan Row
	sub      Subscription
	prefetch int64
	refill   int64
	consumed int64
	row      Row
	err      error
	termErr  error
	closed   atomic.Bool
}

// Iterate subscribes to rs and returns an iterator over its rows.
// prefetch <= 0 means DefaultPrefetch.
func Iterate(rs *ResultSet, prefetch int) *Rows {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	refill := prefetch / 2
	if refill < 1 {
		refill = 1
	}

	r := &Rows{
		ch:       make(chan Row, prefetch),
		prefetch: int64(prefetch),
		refill:   int64(refill),
	}
	_ = rs.Subscribe(rowsSubscriber{r})
	return r
}

// Next blocks until a row is available, the stream ends or ctx is done.
// Cancelling ctx cancels the underlying subscription.
func (r *Rows) Next(ctx context.Context) bool {
	if r.closed.Load() {
		return false
	}

	select {
	case row, ok := <-r.ch:
		if !ok {
			r.err = r.termErr
			return false
		}
		r.row = row
		r.consumed++
		if r.consumed >= r.refill {
			n := r.consumed
			r.consumed = 0
			r.sub.Request(n)
		}
		return true
	case <-ctx.Done():
		r.err = ctx.Err()
		r.Close()
		return false
	}
}

// Row returns the row read by the last successful Next
func (r *Rows) Row() Row {
	return r.row
}

// Err returns the error that ended iteration, if any
func (r *Rows) Err() error {
	return r.err
}

// Close cancels the subscription; safe to call more than once
func (r *Rows) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
}

// Collect drains rs into a slice
func Collect(ctx context.Context, rs *ResultSet, prefetch int) ([]Row, error) {
	rows := Iterate(rs, prefetch)
	defer rows.Close()

	var out []Row
	for rows.Next(ctx) {
		out = append(out, rows.Row())
	}
	return out, rows.Err()
}

// rowsSubscriber keeps the Subscriber callbacks off the Rows API.
// Demand never exceeds free channel capacity, so OnNext does not block.
type rowsSubscriber struct {
	r *Rows
}

func (s rowsSubscriber) OnSubscribe(sub Subscription) {
	s.r.sub = sub
	sub.Request(s.r.prefetch)
}

func (s rowsSubscriber) OnNext(row Row) {
	s.r.ch <- row
}

func (s rowsSubscriber) OnError(err error) {
	s.r.termErr = err
	close(s.r.ch)
}

func (s rowsSubscriber) OnComplete() {
	close(s.r.ch)
}
