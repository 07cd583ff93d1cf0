// Package resource provides process-wide budgets for memory, background
// concurrency and background IO throughput.
//
// The controller is explicit state owned by the engine and passed by reference
// to subsystems; there are no package-level globals.
package resource

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxBackgroundWorkers is the maximum number of concurrent background
	// jobs (rebuilds, consistency scans). If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum IO throughput for background tasks.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources (memory, concurrency, background IO).
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter // nil if unlimited
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// TryAcquireMemory attempts to reserve n bytes without blocking.
// Returns false when the memory budget is exhausted.
func (c *Controller) TryAcquireMemory(n int64) bool {
	if n <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(n) {
		return false
	}
	c.memUsed.Add(n)
	return true
}

// ReleaseMemory returns n bytes to the budget.
func (c *Controller) ReleaseMemory(n int64) {
	if n <= 0 {
		return
	}
	c.memUsed.Add(-n)
	if c.memSem != nil {
		c.memSem.Release(n)
	}
}

// MemoryUsed returns the currently tracked managed memory in bytes.
func (c *Controller) MemoryUsed() int64 {
	return c.memUsed.Load()
}

// AcquireBackground blocks until a background worker slot is available or
// ctx is done.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground returns a background worker slot.
func (c *Controller) ReleaseBackground() {
	c.bgSem.Release(1)
}

// WaitIO blocks until the background IO budget allows n bytes.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c.ioLimiter == nil || n <= 0 {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// ThrottledWriter wraps w so every write first waits on the background IO
// budget. A nil controller or an unlimited budget passes w through unchanged.
func (c *Controller) ThrottledWriter(ctx context.Context, w io.Writer) io.Writer {
	if c == nil || c.ioLimiter == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, c: c, w: w}
}

type throttledWriter struct {
	ctx context.Context
	c   *Controller
	w   io.Writer
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	if err := tw.c.WaitIO(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}
