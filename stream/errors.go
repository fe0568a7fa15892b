package stream

import "errors"

var (
	// ErrNilSubscriber is returned synchronously when Subscribe is given a nil subscriber
	ErrNilSubscriber = errors.New("subscriber cannot be nil")

	// ErrMultipleSubscriptions is signalled to every subscriber after the first
	ErrMultipleSubscriptions = errors.New("multiple subscriptions not supported")

	// ErrNonPositiveRequest terminates a stream whose subscriber requested n <= 0 rows
	ErrNonPositiveRequest = errors.New("request must be positive")

	// ErrSubscriberViolation wraps panics raised by subscriber callbacks
	ErrSubscriberViolation = errors.New("subscriber violated the stream protocol")

	// ErrCancelled fails relays that were still pending when the stream was cancelled
	ErrCancelled = errors.New("stream cancelled")

	// ErrNoPage is reported when a page source completes without a page or a future
	ErrNoPage = errors.New("page source returned no page")
)
