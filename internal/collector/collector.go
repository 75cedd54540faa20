package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"athlete-tool/internal/api/catapult"
)

type SessionSource interface {
	Activities(ctx context.Context, day catapult.Date) (*catapult.ActivitiesResult, error)
	Athletes(ctx context.Context, activityID catapult.ID) ([]catapult.Athlete, error)
	Sensor(ctx context.Context, activityID catapult.ID, athleteID catapult.ID, stream string) ([]byte, error)
}

type Store interface {
	WriteDay(day catapult.Date, body []byte) (string, error)
	WriteSensor(day catapult.Date, athleteID catapult.ID, activityID catapult.ID, body []byte) (string, error)
}

type Options struct {
	Sensors bool
	Stream  string
	Retry   RetryPolicy
}

// Collector walks the requested dates in order and writes one payload
// file per date. A failed date is recorded and never stops the rest of
// the run.
type Collector struct {
	source SessionSource
	store  Store
	logger *zap.Logger
	opts   Options
}

func New(source SessionSource, store Store, logger *zap.Logger, opts Options) *Collector {
	if opts.Stream == "" {
		opts.Stream = "gps"
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collector{
		source: source,
		store:  store,
		logger: logger,
		opts:   opts,
	}
}

func DateRange(start catapult.Date, end catapult.Date) ([]catapult.Date, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", start.Format(), end.Format())
	}

	var dates []catapult.Date
	for day := start; !day.After(end); day = day.Next() {
		dates = append(dates, day)
	}

	return dates, nil
}

type DateFailure struct {
	Date catapult.Date
	Err  error
}

type Summary struct {
	RunID        string
	Requested    int
	Succeeded    int
	Failed       []DateFailure
	FilesWritten int
	Elapsed      time.Duration
}

func (s *Summary) FailedDates() []string {
	return lo.Map(s.Failed, func(failure DateFailure, _ int) string {
		return failure.Date.Format()
	})
}

func (s *Summary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}

	return fmt.Errorf(
		"%d of %d dates failed: %s",
		len(s.Failed), s.Requested, strings.Join(s.FailedDates(), ", "),
	)
}

func (c *Collector) Run(ctx context.Context, dates []catapult.Date) *Summary {
	start := time.Now()
	summary := &Summary{RunID: uuid.NewString(), Requested: len(dates)}

	logger := c.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("starting collection",
		zap.Int("dates", len(dates)),
		zap.Bool("sensors", c.opts.Sensors),
	)

	for _, day := range dates {
		if ctx.Err() != nil {
			logger.Warn("collection interrupted", zap.String("next_date", day.Format()))
			break
		}

		dayLogger := logger.With(zap.String("date", day.Format()))

		if err := c.collectDay(ctx, dayLogger, day, summary); err != nil {
			summary.Failed = append(summary.Failed, DateFailure{Date: day, Err: err})
			dayLogger.Warn("date failed", zap.Error(err))

			continue
		}

		summary.Succeeded++
	}

	summary.Elapsed = time.Since(start)
	logger.Info("collection finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("files_written", summary.FilesWritten),
		zap.Duration("elapsed", summary.Elapsed),
	)

	return summary
}

func (c *Collector) collectDay(ctx context.Context, logger *zap.Logger, day catapult.Date, summary *Summary) error {
	result, err := fetchWithRetry(ctx, c.opts.Retry, func(ctx context.Context) (*catapult.ActivitiesResult, error) {
		return c.source.Activities(ctx, day)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch activities: %w", err)
	}

	path, err := c.store.WriteDay(day, result.Raw)
	if err != nil {
		return err
	}

	summary.FilesWritten++
	logger.Info("day file written",
		zap.String("path", path),
		zap.Int("activities", len(result.Items)),
	)

	if !c.opts.Sensors {
		return nil
	}

	return c.collectSensors(ctx, logger, day, result.Items, summary)
}

func (c *Collector) collectSensors(ctx context.Context, logger *zap.Logger, day catapult.Date, activities []catapult.Activity, summary *Summary) error {
	var failures int

	for _, activity := range activities {
		if err := ctx.Err(); err != nil {
			return err
		}

		athletes, err := fetchWithRetry(ctx, c.opts.Retry, func(ctx context.Context) ([]catapult.Athlete, error) {
			return c.source.Athletes(ctx, activity.ID)
		})
		if err != nil {
			failures++
			logger.Warn("failed to list athletes",
				zap.String("activity_id", activity.ID.String()),
				zap.Error(err),
			)

			continue
		}

		for i, athlete := range athletes {
			if err := ctx.Err(); err != nil {
				return err
			}

			logger.Info("fetching sensor data",
				zap.String("activity_id", activity.ID.String()),
				zap.String("athlete_id", athlete.ID.String()),
				zap.Int("athlete", i+1),
				zap.Int("athletes", len(athletes)),
			)

			payload, err := fetchWithRetry(ctx, c.opts.Retry, func(ctx context.Context) ([]byte, error) {
				return c.source.Sensor(ctx, activity.ID, athlete.ID, c.opts.Stream)
			})
			if err != nil {
				failures++
				logger.Warn("failed to fetch sensor data",
					zap.String("activity_id", activity.ID.String()),
					zap.String("athlete_id", athlete.ID.String()),
					zap.Error(err),
				)

				continue
			}

			if _, err := c.store.WriteSensor(day, athlete.ID, activity.ID, payload); err != nil {
				failures++
				logger.Warn("failed to write sensor file",
					zap.String("athlete_id", athlete.ID.String()),
					zap.Error(err),
				)

				continue
			}

			summary.FilesWritten++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d sensor fetches failed", failures)
	}

	return nil
}

func fetchWithRetry[T any](ctx context.Context, policy RetryPolicy, fetch func(context.Context) (T, error)) (T, error) {
	var result T

	err := policy.Do(ctx, func(ctx context.Context) error {
		value, err := fetch(ctx)
		if err != nil {
			return err
		}

		result = value

		return nil
	})

	return result, err
}
