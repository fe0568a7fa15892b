package stream

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
)

// PageSource produces pages asynchronously. Futures may complete on any
// goroutine; the stream serializes their results itself.
type PageSource interface {
	// FirstPage starts the query and returns its first page
	FirstPage(ctx context.Context, opts Options) *future.Future[*Page]
	// NextPage resumes the query at state
	NextPage(ctx context.Context, state PagingState, opts Options) *future.Future[*Page]
}

// Go runs fn on a new goroutine and returns a future of its result.
// A panic in fn fails the future instead of crashing the process.
func Go(fn func() (*Page, error)) *future.Future[*Page] {
	p := future.NewPromise[*Page]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Set(nil, fmt.Errorf("page source panicked: %v", r))
			}
		}()
		p.Set(fn())
	}()
	return p.Future()
}

// Ready returns an already completed future
func Ready(page *Page, err error) *future.Future[*Page] {
	p := future.NewPromise[*Page]()
	p.Set(page, err)
	return p.Future()
}
