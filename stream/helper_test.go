package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

var testColumns = ColumnDefinitions{
	{Keyspace: "ks", Table: "numbers", Name: "n", Type: "int"},
}

// pagesOf builds pages holding consecutive integers, sized as given.
// Every page except the last carries a continuation naming the next index.
func pagesOf(sizes ...int) []*Page {
	pages := make([]*Page, len(sizes))
	n := 0
	for i, size := range sizes {
		rows := make([][]any, size)
		for j := range rows {
			rows[j] = []any{n}
			n++
		}
		p := &Page{
			Rows: rows,
			Info: ExecutionInfo{Coordinator: "127.0.0.1:9042"},
		}
		if i == 0 {
			p.Columns = testColumns
		}
		if i < len(sizes)-1 {
			p.Next = PagingState{byte(i + 1)}
		}
		pages[i] = p
	}
	return pages
}

type fakeSource struct {
	pages   []*Page
	failAt  int // 1-based fetch number that fails
	failErr error
	async   bool
	gate    chan struct{}

	mu     sync.Mutex
	calls  []time.Time
	states []PagingState
	opts   []Options
	ctxs   []context.Context
}

func newFakeSource(sizes ...int) *fakeSource {
	return &fakeSource{pages: pagesOf(sizes...)}
}

func (f *fakeSource) FirstPage(ctx context.Context, opts Options) *future.Future[*Page] {
	return f.fetch(ctx, nil, opts)
}

func (f *fakeSource) NextPage(ctx context.Context, state PagingState, opts Options) *future.Future[*Page] {
	return f.fetch(ctx, state, opts)
}

func (f *fakeSource) fetch(ctx context.Context, state PagingState, opts Options) *future.Future[*Page] {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.states = append(f.states, state)
	f.opts = append(f.opts, opts)
	f.ctxs = append(f.ctxs, ctx)
	n := len(f.calls)
	f.mu.Unlock()

	idx := 0
	if len(state) > 0 {
		idx = int(state[0])
	}
	produce := func() (*Page, error) {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if f.failAt == n {
			return nil, f.failErr
		}
		if idx >= len(f.pages) {
			return nil, fmt.Errorf("no page at index %d", idx)
		}
		return f.pages[idx], nil
	}

	if f.async || f.gate != nil {
		return Go(produce)
	}
	return Ready(produce())
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func (f *fakeSource) lastContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[len(f.ctxs)-1]
}

type recorder struct {
	initial int64
	onNext  func(r *recorder, row Row)

	mu         sync.Mutex
	sub        Subscription
	rows       []Row
	err        error
	subscribed int
	errored    int
	completed  int
	events     []string

	inFlight atomic.Int32
	overlap  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func newRecorder(initial int64) *recorder {
	return &recorder{initial: initial, done: make(chan struct{})}
}

func (r *recorder) OnSubscribe(s Subscription) {
	r.mu.Lock()
	r.sub = s
	r.subscribed++
	r.events = append(r.events, "subscribe")
	r.mu.Unlock()

	if r.initial > 0 {
		s.Request(r.initial)
	}
}

func (r *recorder) OnNext(row Row) {
	if r.inFlight.Add(1) != 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	r.mu.Lock()
	r.rows = append(r.rows, row)
	r.mu.Unlock()

	if r.onNext != nil {
		r.onNext(r, row)
	}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.errored++
	r.events = append(r.events, "error")
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	r.completed++
	r.events = append(r.events, "complete")
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) subscription() Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

func (r *recorder) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.rows))
	for i, row := range r.rows {
		out[i] = row.Values[0].(int)
	}
	return out
}

func (r *recorder) terminals() (errored, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errored, r.completed
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *recorder) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate")
	}
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func newTestResultSet(t *testing.T, src PageSource, opts Options) *ResultSet {
	t.Helper()
	rs, err := NewResultSet(context.Background(), Config{Source: src, Options: opts, StreamID: 42})
	require.NoError(t, err)
	return rs
}

func awaitErr[T any](t *testing.T, s Single[T]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Await(ctx)
	return err
}
