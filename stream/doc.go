// Package stream turns asynchronously fetched pages of rows into a
// single-subscriber, demand-driven push stream.
//
// # Architecture
//
// The package consists of four cooperating pieces:
//
//  1. PageSource: the external contract. FirstPage and NextPage return
//     go-future futures that complete with a *Page or an error.
//  2. ResultSet: the publisher. Exactly one Subscribe call ever receives a
//     live Subscription; later callers get an immediate ErrMultipleSubscriptions.
//  3. subscription: the state machine (Unstarted, Active, Completed, Failed,
//     Cancelled). Demand, the row buffer and the in-flight fetch are owned by
//     a drain loop that only one goroutine runs at a time.
//  4. Relay: single-value, single-subscriber side channels for column
//     definitions, cumulative execution info and the was-applied flag.
//
// Paging is shaped by Options: PageSize (rows or approximate bytes) is
// forwarded to the source, MaxPages caps the number of fetches and
// MaxPagesPerSecond spaces fetches apart with a timer.
//
// # Example
//
//	rs, err := stream.NewResultSet(ctx, stream.Config{Source: src, Options: stream.DefaultOptions()})
//	if err != nil {
//		return err
//	}
//	rows := stream.Iterate(rs, 256)
//	defer rows.Close()
//	for rows.Next(ctx) {
//		fmt.Println(rows.Row().Values)
//	}
//	if err := rows.Err(); err != nil {
//		return err
//	}
//
// # Relays
//
// Column definitions are published once, from the first page. Execution info
// is cumulative: one entry per page, published when the stream completes and
// followed by the was-applied flag of the first page. Every Row also carries the ExecutionInfo of its own page.
// On failure the unpublished relays fail with the stream's error; on
// cancellation they fail with ErrCancelled.
package stream
