package escalation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sacristy.org/internal/clock"
	"sacristy.org/internal/notify"
	"sacristy.org/internal/obs"
	"sacristy.org/internal/query"
)

// Job names.
const (
	JobSweep  = "sla_sweep"
	JobWeekly = "weekly_report"
)

// ParseSchedule parses a five-field cron expression evaluated in loc.
func ParseSchedule(spec string, loc *time.Location) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if loc != nil && !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		spec = "CRON_TZ=" + loc.String() + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) cron.Schedule {
	return cron.Every(d)
}

type job struct {
	name  string
	sched cron.Schedule
	run   func(ctx context.Context) error
	timer *clock.Timer
}

// Runner fires jobs on their cron schedules using a Clock, so tests can
// drive them with a fake clock. A job run that fails is logged and the
// job is re-armed for its next slot.
type Runner struct {
	mu      sync.Mutex
	clock   clock.Clock
	jobs    []*job
	ctx     context.Context
	running bool
}

func NewRunner(clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{clock: clk, ctx: context.Background()}
}

// Add registers a job. Jobs added after Start are armed immediately.
func (r *Runner) Add(name string, sched cron.Schedule, run func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := &job{name: name, sched: sched, run: run}
	r.jobs = append(r.jobs, j)
	if r.running {
		r.armLocked(j)
	}
}

// Start arms every job. Jobs stop when ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx = ctx
	for _, j := range r.jobs {
		r.armLocked(j)
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	for _, j := range r.jobs {
		j.timer.Stop()
		j.timer = nil
	}
}

// Next returns the next firing time of the named job.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.name == name {
			return j.sched.Next(r.clock.Now()), true
		}
	}
	return time.Time{}, false
}

func (r *Runner) armLocked(j *job) {
	now := r.clock.Now()
	next := j.sched.Next(now)
	if next.IsZero() {
		return
	}
	j.timer = r.clock.AfterFunc(next.Sub(now), func() { r.fire(j) })
}

func (r *Runner) fire(j *job) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.mu.Unlock()

	start := time.Now()
	err := j.run(ctx)
	obs.ObserveJob(j.name, err)
	if err != nil {
		obs.Error("job failed", err, map[string]any{"job": j.name})
	} else {
		obs.Info("job finished", map[string]any{"job": j.name, "duration_ms": time.Since(start).Milliseconds()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.armLocked(j)
	}
}

// SweepJob adapts Escalator.Sweep to a job.
func SweepJob(e *Escalator) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := e.Sweep(ctx)
		if n > 0 {
			obs.Info("sla sweep raised alerts", map[string]any{"alerts": n})
		}
		return err
	}
}

// WeeklyReporter builds the weekly aggregation.
type WeeklyReporter interface {
	WeeklyReport(ctx context.Context, at time.Time) (query.Report, error)
}

// WeeklyReportJob sends the report for the week containing the firing
// time to the directors.
func WeeklyReportJob(rep WeeklyReporter, n notify.Notifier, clk clock.Clock) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		report, err := rep.WeeklyReport(ctx, clk.Now())
		if err != nil {
			return err
		}
		n.Notify(ctx, notify.Directors(), notify.Message{
			Kind: notify.KindWeeklyReport,
			Text: report.String(),
		})
		return nil
	}
}
