package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/dftlab/dftsup/internal/model"
)

// Reaper terminates analysis processes which kept running after their run
// already succeeded on the result artifact.
type Reaper struct {
	lifetime  time.Duration
	scheduler gocron.Scheduler

	mx      sync.Mutex
	tracked map[string]stray
}

type stray struct {
	proc    Process
	started time.Time
}

func NewReaper(ctx context.Context, cfg model.Reaper) (*Reaper, error) {
	lifetime, err := cfg.Lifetime()
	if err != nil {
		return nil, fmt.Errorf("parsing max_lifetime: %w", err)
	}
	job, err := jobDefinition(ctx, cfg.Schedule)
	if err != nil {
		return nil, err
	}

	r := &Reaper{
		lifetime: lifetime,
		tracked:  make(map[string]stray),
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { r.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("initializing gocron job: %w", err),
			s.Shutdown(),
		)
	}
	r.scheduler = s
	return r, nil
}

func jobDefinition(ctx context.Context, sched *model.Schedule) (gocron.JobDefinition, error) {
	switch {
	case sched == nil || (sched.Cron == "" && sched.Duration == ""):
		return gocron.DurationJob(model.DefaultReaperEvery), nil
	case sched.Cron != "":
		if _, err := model.ParseCron(sched.Cron); err != nil {
			return nil, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", sched.Cron)
		return gocron.CronJob(sched.Cron, false), nil
	default:
		d, err := model.ParseISODuration(sched.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	}
}

// Track hands over a process which outlived its run.
func (r *Reaper) Track(id string, started time.Time, proc Process) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.tracked[id] = stray{proc: proc, started: started}
}

// Len returns the number of processes still tracked.
func (r *Reaper) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.tracked)
}

// Sweep forgets exited processes and terminates those older than the
// configured lifetime.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	var expired []string
	r.mx.Lock()
	for id, st := range r.tracked {
		switch {
		case exited(st.proc):
			delete(r.tracked, id)
		case now.Sub(st.started) >= r.lifetime:
			expired = append(expired, id)
		}
	}
	r.mx.Unlock()

	for _, id := range expired {
		r.reap(ctx, id, "exceeded max lifetime")
	}
}

func (r *Reaper) reap(ctx context.Context, id, reason string) {
	r.mx.Lock()
	st, ok := r.tracked[id]
	delete(r.tracked, id)
	r.mx.Unlock()
	if !ok {
		return
	}
	slog.WarnContext(ctx, "terminating stray analysis process", "run_id", id, "pid", st.proc.Pid(), "reason", reason)
	if err := st.proc.Terminate(ctx); err != nil {
		slog.ErrorContext(ctx, "terminating stray analysis process", "run_id", id, "error", err)
	}
}

func (r *Reaper) Start() {
	r.scheduler.Start()
}

// Shutdown stops the schedule and terminates every process still tracked.
func (r *Reaper) Shutdown(ctx context.Context) error {
	err := r.scheduler.Shutdown()
	r.mx.Lock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mx.Unlock()
	for _, id := range ids {
		r.reap(ctx, id, "supervisor shutting down")
	}
	return err
}
