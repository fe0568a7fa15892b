package stream

import (
	"context"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// Single is the read-only view of a Relay handed out by ResultSet
type Single[T any] interface {
	// Subscribe registers fn to receive the value exactly once. The first
	// subscriber is served synchronously if the value is already settled,
	// otherwise on the goroutine that settles it. Later subscribers are
	// called immediately with ErrMultipleSubscriptions.
	Subscribe(fn func(T, error)) error
	// Await subscribes and blocks until the value is settled or ctx is done
	Await(ctx context.Context) (T, error)
}

// Relay delivers exactly one value (or failure) to exactly one subscriber,
// buffering it when it is settled before anyone subscribes.
//
// Settling is first-wins: a second publish or fail is ignored and reported
// as false.
type Relay[T any] struct {
	name       string
	promise    *future.Promise[T]
	settled    atomic.Bool
	subscribed atomic.Bool
}

// NewRelay creates an unsettled relay; name is only used for logging
func NewRelay[T any](name string) *Relay[T] {
	return &Relay[T]{
		name:    name,
		promise: future.NewPromise[T](),
	}
}

func (r *Relay[T]) publish(v T) bool {
	if !r.settled.CompareAndSwap(false, true) {
		log.Debug().Str("relay", r.name).Msg("Ignoring second publish on settled relay")
		return false
	}
	r.promise.Set(v, nil)
	return true
}

func (r *Relay[T]) fail(err error) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	var zero T
	r.promise.Set(zero, err)
	return true
}

// Settled reports whether a value or failure has been recorded
func (r *Relay[T]) Settled() bool {
	return r.settled.Load()
}

func (r *Relay[T]) Subscribe(fn func(T, error)) error {
	if fn == nil {
		return ErrNilSubscriber
	}
	if !r.subscribed.CompareAndSwap(false, true) {
		var zero T
		fn(zero, ErrMultipleSubscriptions)
		return nil
	}
	r.promise.Future().Subscribe(fn)
	return nil
}

func (r *Relay[T]) Await(ctx context.Context) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	_ = r.Subscribe(func(v T, err error) {
		ch <- result{val: v, err: err}
	})

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// relays groups the side channels a ResultSet shares with its subscription
type relays struct {
	columns *Relay[ColumnDefinitions]
	infos   *Relay[[]ExecutionInfo]
	applied *Relay[bool]
}

func newRelays() *relays {
	return &relays{
		columns: NewRelay[ColumnDefinitions]("column_definitions"),
		infos:   NewRelay[[]ExecutionInfo]("execution_infos"),
		applied: NewRelay[bool]("was_applied"),
	}
}

// failPending fails every relay that has not been settled yet
func (r *relays) failPending(err error) {
	r.columns.fail(err)
	r.infos.fail(err)
	r.applied.fail(err)
}
