// Package janitor aborts multipart uploads that clients abandoned.
//
// The chunked upload protocol keeps no server-side session, so an interrupted
// client leaves an open upload behind on the vendor. The janitor lists open
// uploads on the active provider on a cron schedule and aborts those older
// than a maximum age.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// DefaultSchedule runs a sweep at the top of every hour.
const DefaultSchedule = "0 * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolver returns the provider to sweep and a func that releases it once the
// sweep is done. A nil provider with a nil error means nothing is configured
// and the sweep is skipped.
type Resolver func(ctx context.Context) (provider.Provider, func(), error)

// Report summarizes one sweep.
type Report struct {
	Open    int
	Stale   int
	Aborted int
	Failed  int
	Skipped bool
}

// Janitor is safe for concurrent use. Sweeps never overlap.
type Janitor struct {
	resolve Resolver
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time

	sweepMu sync.Mutex

	mu     sync.Mutex
	runner *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// New returns a janitor that aborts uploads older than maxAge.
func New(resolve Resolver, maxAge time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		resolve: resolve,
		maxAge:  maxAge,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ValidateSchedule reports whether spec is a usable five-field cron expression
// or descriptor such as "@hourly".
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules sweeps. Calling Start again replaces the schedule.
func (j *Janitor) Start(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.runner != nil {
		<-j.runner.Stop().Done()
	}

	runner := cron.New(cron.WithParser(cronParser))
	if _, err := runner.AddFunc(schedule, j.run); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	runner.Start()
	j.runner = runner

	j.logger.Info("Upload janitor started",
		zap.String("schedule", schedule),
		zap.Duration("max_age", j.maxAge))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	runner := j.runner
	j.runner = nil
	j.mu.Unlock()

	if runner != nil {
		<-runner.Stop().Done()
	}
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Warn("Upload janitor sweep failed", zap.Error(err))
		return
	}
	if report.Stale > 0 {
		j.logger.Info("Upload janitor sweep finished",
			zap.Int("open", report.Open),
			zap.Int("aborted", report.Aborted),
			zap.Int("failed", report.Failed))
	}
}

// Sweep aborts every open upload initiated more than maxAge ago. Individual
// abort failures are counted, not returned.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	var report Report

	p, release, err := j.resolve(ctx)
	if err != nil {
		return report, err
	}
	if release != nil {
		defer release()
	}
	if p == nil {
		report.Skipped = true
		return report, nil
	}
	mp, ok := p.(provider.MultipartUploader)
	if !ok {
		report.Skipped = true
		return report, nil
	}

	uploads, err := mp.ListMultipartUploads(ctx, "")
	if err != nil {
		return report, err
	}
	report.Open = len(uploads)

	cutoff := j.now().Add(-j.maxAge)
	for _, u := range uploads {
		if u.Initiated.IsZero() || !u.Initiated.Before(cutoff) {
			continue
		}
		report.Stale++
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := mp.AbortMultipartUpload(ctx, u.Key, u.UploadID)
		observability.RecordJanitorAbort(err)
		if err != nil && !provider.IsNotFound(err) {
			report.Failed++
			j.logger.Warn("Abort stale upload failed",
				zap.String("key", u.Key),
				zap.String("upload_id", u.UploadID),
				zap.Error(err))
			continue
		}
		report.Aborted++
		j.logger.Debug("Aborted stale upload",
			zap.String("key", u.Key),
			zap.String("upload_id", u.UploadID),
			zap.Time("initiated", u.Initiated))
	}
	return report, nil
}
