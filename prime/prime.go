// Package prime keeps the query cache warm by running configured metric
// queries on a cron schedule, so interactive requests are served from cache
// rather than waiting on the slow reporting API.
package prime

import (
	"context"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"github.com/handbuilt/gabridge/query"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc/codes"
)

// DefaultSchedule runs priming every ten minutes, so each run replaces the
// cached result before the default primary TTL lets it expire.
const DefaultSchedule = "*/10 * * * *"

// Job is one metrics query to keep cached.
type Job struct {
	Metrics []string
	Options query.Options
}

// Scheduler runs Jobs on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	queries *query.Cached
	logger  logging.Logger
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(queries *query.Cached, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{
		cron:    cron.New(),
		queries: queries,
		logger:  logger.Named("prime"),
	}
}

// Add registers jobs under a standard five field cron spec.
func (s *Scheduler) Add(spec string, jobs ...Job) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	id, err := s.cron.AddFunc(spec, func() {
		ctx := logging.With(context.Background(), s.logger)
		Run(ctx, s.queries, jobs...)
	})
	if err != nil {
		return 0, errors.Codef(codes.InvalidArgument, "prime: invalid schedule %q: %w", spec, err)
	}
	return id, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Entries returns the registered entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// Report counts the outcome of a Run.
type Report struct {
	Jobs int
	Rows int
}

// Run executes jobs once with a background context, which gives reporting
// calls the long timeout. Every job queries live and replaces its cached
// result; a failed job leaves the cache as it was.
func Run(ctx context.Context, queries *query.Cached, jobs ...Job) Report {
	ctx = query.WithBackground(ctx)
	var report Report
	for _, job := range jobs {
		start := time.Now()
		rows, err := queries.RefreshMetricsByPath(ctx, job.Metrics, job.Options)
		if err != nil {
			logging.Warnw(ctx, "prime: job skipped", "metrics", job.Metrics, "error", err)
			continue
		}
		report.Jobs++
		report.Rows += len(rows)
		logging.Infow(ctx, "prime: job complete",
			"metrics", job.Metrics, "rows", len(rows), "duration", time.Since(start))
	}
	return report
}
