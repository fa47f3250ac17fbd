// Package jobs runs periodic tasks on cron schedules
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-playground/log"
)

// Overridable for tests
var nextTick = func(expr string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, ref, false)
}

// Job is a periodic task
type Job struct {
	Name string

	// Cron expression
	Schedule string

	Run func(ctx context.Context) error
}

// Validate the job's schedule
func (j Job) Validate() error {
	if !gronx.IsValid(j.Schedule) {
		return fmt.Errorf("jobs: invalid schedule of %s: %q", j.Name, j.Schedule)
	}
	return nil
}

// Schedule runs j on its schedule until ctx is canceled. Runs of a job never
// overlap: a tick arriving during a run is skipped. Must be launched in a
// separate goroutine.
func Schedule(ctx context.Context, j Job) {
	for {
		next, err := nextTick(j.Schedule, time.Now())
		if err != nil {
			log.Errorf("jobs: %s: %s", j.Name, err)
			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		runJob(ctx, j)
	}
}

func runJob(ctx context.Context, j Job) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("jobs: %s: panic: %v", j.Name, err)
		}
	}()

	start := time.Now()
	err := j.Run(ctx)
	runs.WithLabelValues(j.Name, result(err)).Inc()
	if err != nil && ctx.Err() == nil {
		log.WithFields(log.F("job", j.Name)).Errorf("jobs: %s", err)
		return
	}
	log.WithFields(log.F("job", j.Name)).
		Debugf("jobs: finished in %s", time.Since(start))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ScheduleAll validates all jobs and starts each in its own goroutine
func ScheduleAll(ctx context.Context, jobs ...Job) error {
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return err
		}
	}
	for _, j := range jobs {
		go Schedule(ctx, j)
	}
	return nil
}
