// Package catalogsync periodically rebuilds the Redis geo index from the
// relational catalog so missed listing-update events heal on the next run.
package catalogsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/provider-matching/internal/models"
)

type Source interface {
	ListMatchableListings(ctx context.Context) ([]models.ListingUpdate, error)
}

type Index interface {
	Upsert(ctx context.Context, l models.Listing, p models.Provider) error
	Remove(ctx context.Context, l models.Listing) error
	Indexed(ctx context.Context) ([]models.Listing, error)
}

type Syncer struct {
	Source  Source
	Index   Index
	Logger  *slog.Logger
	Timeout time.Duration

	mu sync.Mutex
}

// Run upserts every matchable listing and removes every indexed listing the
// source no longer returns, including ones written before a restart. It
// returns how many listings were written.
func (s *Syncer) Run(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	updates, err := s.Source.ListMatchableListings(ctx)
	if err != nil {
		return 0, err
	}
	indexed, err := s.Index.Indexed(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[int64]bool, len(updates))
	n := 0
	for _, u := range updates {
		if err := s.Index.Upsert(ctx, u.Listing, u.Provider); err != nil {
			return n, err
		}
		seen[u.Listing.ID] = true
		n++
	}
	for _, l := range indexed {
		if seen[l.ID] {
			continue
		}
		// left in the index on failure, so the next run retries it
		if err := s.Index.Remove(ctx, l); err != nil {
			s.logger().Warn("catalog sync remove failed", "listing_id", l.ID, "error", err)
		}
	}
	return n, nil
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start schedules Run on spec (standard 5-field cron syntax) and runs it once
// immediately. Stop the returned scheduler on shutdown.
func Start(ctx context.Context, spec string, s *Syncer) (*cron.Cron, error) {
	c := cron.New()
	job := func() {
		start := time.Now()
		n, err := s.Run(ctx)
		if err != nil {
			s.logger().Error("catalog sync failed", "error", err, "synced", n)
			return
		}
		s.logger().Info("catalog_sync_completed", "synced", n, "elapsed_ms", time.Since(start).Milliseconds())
	}
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, err
	}
	go job()
	c.Start()
	return c, nil
}
