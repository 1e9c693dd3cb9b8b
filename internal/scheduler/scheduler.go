package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/store"
)

// Option keys read from a target's options when it is fetched on schedule.
const (
	optLimit           = "limit"
	optIncludeComments = "include_comments"
	optCommentLimit    = "comment_limit"
)

// Scheduler periodically fetches monitor-enabled targets that are due.
type Scheduler struct {
	store    *store.Store
	ingest   *ingest.Service
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	defaultLimit        int
	defaultCommentLimit int
}

// New creates a new scheduler. A zero interval means one minute.
func New(st *store.Store, svc *ingest.Service, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:               st,
		ingest:              svc,
		logger:              logger,
		interval:            interval,
		now:                 func() time.Time { return time.Now().UTC() },
		defaultLimit:        50,
		defaultCommentLimit: 20,
	}
}

// Run checks for due targets immediately and then on every tick. Blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler running")
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce fetches every due target and returns how many succeeded. A
// failing target is logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	targets, err := s.store.ListTargets(ctx, store.TargetListOpts{MonitorOnly: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("list monitored targets")
		return 0
	}

	now := s.now()
	ok := 0
	for i := range targets {
		t := &targets[i]
		if ctx.Err() != nil {
			return ok
		}
		if !t.Due(now) {
			continue
		}

		res, err := s.ingest.FetchAndIngest(ctx, ingest.Request{
			Source:          t.Source,
			TargetType:      t.TargetType,
			TargetKey:       t.TargetKey,
			Limit:           t.Options.Int(optLimit, s.defaultLimit),
			IncludeComments: t.Options.Bool(optIncludeComments, false),
			CommentLimit:    t.Options.Int(optCommentLimit, s.defaultCommentLimit),
			Options:         t.Options,
		})
		if err != nil {
			s.logger.Warn().
				Err(err).
				Int64("target_id", t.ID).
				Str("source", t.Source).
				Str("target_key", t.TargetKey).
				Str("step", ingest.StepOf(err)).
				Msg("scheduled fetch failed")
			continue
		}
		ok++
		s.logger.Info().
			Int64("target_id", t.ID).
			Str("source", t.Source).
			Str("target_key", t.TargetKey).
			Int("items_created", res.Saved.ItemsCreated).
			Int("items_updated", res.Saved.ItemsUpdated).
			Msg("scheduled fetch done")
	}
	return ok
}
