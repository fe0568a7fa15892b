package pebblesrc

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/rowstream/encoding"
	"github.com/maxpert/rowstream/stream"
)

// Source pages through a table in insertion order. The paging state is the
// encoded sequence of the last row returned.
func (s *Store) Source(name string) stream.PageSource {
	return &tableSource{store: s, table: name}
}

type tableSource struct {
	store *Store
	table string
}

func (ts *tableSource) FirstPage(ctx context.Context, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		return ts.read(ctx, 0, opts, true)
	})
}

func (ts *tableSource) NextPage(ctx context.Context, state stream.PagingState, opts stream.Options) *future.Future[*stream.Page] {
	return stream.Go(func() (*stream.Page, error) {
		var cursor uint64
		if err := encoding.DecodePagingState(state, &cursor); err != nil {
			return nil, err
		}
		return ts.read(ctx, cursor, opts, false)
	})
}

func (ts *tableSource) read(ctx context.Context, cursor uint64, opts stream.Options, first bool) (*stream.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit, budget := opts.PageSize, 0
	if opts.SizeInBytes {
		limit, budget = 0, opts.PageSize
	}

	batch, err := ts.store.ReadFrom(ts.table, cursor, limit, budget)
	if err != nil {
		return nil, fmt.Errorf("read %s after %d: %w", ts.table, cursor, err)
	}

	// Table reads are never conditional, so every page is applied.
	page := &stream.Page{
		Rows:    batch.Rows,
		Info:    stream.ExecutionInfo{Coordinator: "pebble:" + ts.store.Path()},
		Applied: true,
	}
	if first {
		if page.Columns, err = ts.store.Columns(ts.table); err != nil {
			return nil, err
		}
	}
	if batch.More {
		if page.Next, err = encoding.EncodePagingState(batch.Last); err != nil {
			return nil, err
		}
	}
	return page, nil
}
