package stream

import (
	"fmt"
	"time"
)

const (
	// DefaultPageSize matches the server-side default for continuous paging
	DefaultPageSize = 5000
)

// Options configures the rate/volume controller of a stream
type Options struct {
	PageSize          int  // rows per page, or approximate bytes when SizeInBytes
	SizeInBytes       bool // interpret PageSize as a byte budget
	MaxPages          int  // hard cap on fetched pages (0 = unlimited)
	MaxPagesPerSecond int  // fetch rate limit (0 = unthrottled)
}

// DefaultOptions returns unthrottled, uncapped paging with DefaultPageSize rows
func DefaultOptions() Options {
	return Options{PageSize: DefaultPageSize}
}

// Validate rejects negative settings; a zero PageSize means DefaultPageSize
func (o Options) Validate() error {
	if o.PageSize < 0 {
		return fmt.Errorf("invalid page size: %d", o.PageSize)
	}
	if o.MaxPages < 0 {
		return fmt.Errorf("invalid max pages: %d", o.MaxPages)
	}
	if o.MaxPagesPerSecond < 0 {
		return fmt.Errorf("invalid max pages per second: %d", o.MaxPagesPerSecond)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}

// Interval returns the minimum spacing between fetches, or 0 when unthrottled
func (o Options) Interval() time.Duration {
	if o.MaxPagesPerSecond <= 0 {
		return 0
	}
	return time.Second / time.Duration(o.MaxPagesPerSecond)
}

// pageController enforces MaxPages and MaxPagesPerSecond. It is owned by the
// subscription's drain loop and never touched concurrently.
type pageController struct {
	opts     Options
	interval time.Duration
	fetched  int
	lastDone time.Time
	now      func() time.Time
}

func newPageController(opts Options) *pageController {
	return &pageController{
		opts:     opts,
		interval: opts.Interval(),
		now:      time.Now,
	}
}

// started records that a fetch has been issued
func (c *pageController) started() {
	c.fetched++
}

// completed records when the previous fetch finished
func (c *pageController) completed(at time.Time) {
	if at.After(c.lastDone) {
		c.lastDone = at
	}
}

// exhausted reports whether MaxPages fetches have been issued
func (c *pageController) exhausted() bool {
	return c.opts.MaxPages > 0 && c.fetched >= c.opts.MaxPages
}

// isLast reports whether no further page may be fetched after p
func (c *pageController) isLast(p *Page) bool {
	return !p.HasMorePages() || c.exhausted()
}

// delay returns how long the next fetch must wait to honor MaxPagesPerSecond
func (c *pageController) delay() time.Duration {
	if c.interval <= 0 || c.lastDone.IsZero() {
		return 0
	}
	wait := c.interval - c.now().Sub(c.lastDone)
	if wait < 0 {
		return 0
	}
	return wait
}
