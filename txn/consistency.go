package txn

import (
	"context"
	"errors"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Checker compares a collection's store and index id sets and drives repair
// when they diverge. Scans are rate limited and the number of concurrent
// scans is bounded so background checking cannot starve foreground traffic.
type Checker struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	// ScansPerSecond limits how often scans may start. 0 means unlimited.
	ScansPerSecond float64
	// MaxConcurrent bounds simultaneous scans. 0 defaults to 1.
	MaxConcurrent int64
	Logger        *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(cfg CheckerConfig) *Checker {
	limit := rate.Inf
	if cfg.ScansPerSecond > 0 {
		limit = rate.Limit(cfg.ScansPerSecond)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		limiter: rate.NewLimiter(limit, 1),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  cfg.Logger,
	}
}

// Check compares the two id sets. A divergence is returned as a
// *ConsistencyError; identical sets return nil.
func (c *Checker) Check(ctx context.Context, collection string, storeIDs, indexIDs *roaring64.Bitmap) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	missing := roaring64.AndNot(storeIDs, indexIDs)
	orphaned := roaring64.AndNot(indexIDs, storeIDs)

	if missing.IsEmpty() && orphaned.IsEmpty() {
		return nil
	}

	err := &ConsistencyError{
		Collection:   collection,
		MissingInIdx: missing.GetCardinality(),
		OrphanedIdx:  orphaned.GetCardinality(),
	}
	c.logger.Error("consistency violation",
		slog.String("collection", collection),
		slog.Uint64("missing_in_index", err.MissingInIdx),
		slog.Uint64("orphaned_in_index", err.OrphanedIdx))
	return err
}

// CheckAndRepair runs Check and, on divergence, invokes repair. The store is
// authoritative, so repair rebuilds the index from it. The original
// violation is still returned when repair itself fails.
func (c *Checker) CheckAndRepair(ctx context.Context, collection string, storeIDs, indexIDs *roaring64.Bitmap, repair func(ctx context.Context) error) error {
	err := c.Check(ctx, collection, storeIDs, indexIDs)
	if err == nil {
		return nil
	}
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		return err
	}

	c.logger.Info("repairing collection from store", slog.String("collection", collection))
	if rerr := repair(ctx); rerr != nil {
		c.logger.Error("repair failed", slog.String("collection", collection), slog.Any("error", rerr))
		return err
	}
	return nil
}
