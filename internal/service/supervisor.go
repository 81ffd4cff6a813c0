package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dftlab/dftsup/internal/log"
	"github.com/dftlab/dftsup/internal/model"
	"github.com/dftlab/dftsup/internal/store"
)

// History persists finished runs. Implemented by store.History.
type History interface {
	Begin(ctx context.Context, info model.RunInfo) error
	Finish(ctx context.Context, info model.RunInfo) error
	LastSucceeded(ctx context.Context) (string, error)
	Get(ctx context.Context, id string) (model.RunInfo, error)
	List(ctx context.Context, limit int) ([]model.RunInfo, error)
}

// Options configure a Supervisor. Zero values fall back to defaults.
type Options struct {
	Kinds        map[string]model.Kind
	Launcher     Launcher
	PollInterval time.Duration
	OutputTail   int
	BusyPolicy   string
	ResultsDir   string
	ResultsFile  string
	Extract      *Command
	History      History
	Reaper       *Reaper
}

// Supervisor owns the single analysis slot. At most one run is active;
// a new start either preempts it or is rejected depending on the busy
// policy.
type Supervisor struct {
	kinds       map[string]model.Kind
	launcher    Launcher
	poll        time.Duration
	tailBytes   int
	preempt     bool
	resultsDir  string
	resultsFile string
	extract     *Command
	history     History
	reaper      *Reaper
	base        context.Context

	startMx   sync.Mutex
	extractMx sync.Mutex

	mx      sync.Mutex
	active  *Run
	lastDir string

	wg sync.WaitGroup
}

// NewSupervisor returns a supervisor whose runs live as long as ctx.
func NewSupervisor(ctx context.Context, opts Options) *Supervisor {
	s := &Supervisor{
		kinds:       opts.Kinds,
		launcher:    opts.Launcher,
		poll:        opts.PollInterval,
		tailBytes:   opts.OutputTail,
		preempt:     opts.BusyPolicy != model.BusyPolicyReject,
		resultsDir:  opts.ResultsDir,
		resultsFile: opts.ResultsFile,
		extract:     opts.Extract,
		history:     opts.History,
		reaper:      opts.Reaper,
		base:        ctx,
	}
	if s.kinds == nil {
		s.kinds = model.DefaultKinds()
	}
	if s.launcher == nil {
		s.launcher = NewRunner(model.DefaultGracePeriod)
	}
	if s.poll <= 0 {
		s.poll = model.DefaultPollInterval
	}
	if s.tailBytes <= 0 {
		s.tailBytes = model.DefaultOutputTail
	}
	if s.resultsDir == "" {
		s.resultsDir = model.DefaultResultsDir
	}
	if s.resultsFile == "" {
		s.resultsFile = model.DefaultResultsFile
	}
	if s.history != nil {
		dir, err := s.history.LastSucceeded(ctx)
		switch {
		case err == nil:
			s.lastDir = dir
		case !errors.Is(err, model.ErrNotFound):
			slog.WarnContext(ctx, "reading last successful run", "error", err)
		}
	}
	return s
}

// SupervisorFromConfig wires the launcher, reaper and run history as
// described by cfg.
func SupervisorFromConfig(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	sup := cfg.Supervisor
	poll, err := sup.PollEvery()
	if err != nil {
		return nil, fmt.Errorf("supervisor.poll_interval: %w", err)
	}
	grace, err := sup.Grace()
	if err != nil {
		return nil, fmt.Errorf("supervisor.grace_period: %w", err)
	}

	opts := Options{
		Kinds:        cfg.Kinds,
		Launcher:     NewRunner(grace),
		PollInterval: poll,
		OutputTail:   sup.TailBytes(),
		BusyPolicy:   sup.BusyPolicy,
		ResultsDir:   cfg.ResultsSettings().DirName(),
		ResultsFile:  cfg.ResultsSettings().FileName(),
	}

	if e := cfg.ResultsSettings().Extract; e != nil {
		timeout, err := cfg.ResultsSettings().ExtractTimeout()
		if err != nil {
			return nil, fmt.Errorf("results.extract.timeout: %w", err)
		}
		cmd := NewCommand(e.Command)
		cmd.Timeout = timeout
		opts.Extract = &cmd
	}

	reaperCfg := model.Reaper{Enabled: true}
	if sup.Reaper != nil {
		reaperCfg = *sup.Reaper
	}
	if reaperCfg.Enabled {
		reaper, err := NewReaper(ctx, reaperCfg)
		if err != nil {
			return nil, fmt.Errorf("supervisor.reaper: %w", err)
		}
		opts.Reaper = reaper
	}

	if sup.History != nil && *sup.History != "" {
		h, err := store.OpenHistory(ctx, *sup.History)
		if err != nil {
			return nil, fmt.Errorf("supervisor.history: %w", err)
		}
		opts.History = h
	}

	return NewSupervisor(ctx, opts), nil
}

// Start validates the request, materializes the driver files and launches
// the analysis. An active run is only preempted for a valid request. Invalid
// requests still produce a Run, whose stream holds
// a single terminal failure. Only a busy slot with the reject policy
// returns an error (model.ErrBusy).
func (s *Supervisor) Start(ctx context.Context, req model.StartRequest) (*Run, error) {
	s.startMx.Lock()
	defer s.startMx.Unlock()

	run := newRun(uuid.NewString(), req.Kind, req.WorkingDir)
	runCtx := log.ContextAttrs(s.base,
		slog.String("run_id", run.ID()),
		slog.String("kind", run.Kind()),
	)

	kind, err := s.validate(req)
	if err == nil {
		if prev := s.Active(); prev != nil {
			if !s.preempt {
				return nil, fmt.Errorf("%w: run %s", model.ErrBusy, prev.ID())
			}
			slog.InfoContext(runCtx, "preempting active run", "active_run", prev.ID())
			prev.requestStop("preempted by a new run")
			select {
			case <-prev.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		err = s.prepare(run, kind, req)
	}
	if err != nil {
		slog.WarnContext(runCtx, "analysis request rejected", "error", err, "dir", run.WorkingDir())
		s.begin(runCtx, run)
		close(run.terminated)
		run.conclude(Candidate{
			Source:   SourceValidation,
			Message:  "invalid analysis request",
			Terminal: true,
			Err:      err,
		})
		s.release(runCtx, run)
		close(run.done)
		return run, nil
	}

	s.mx.Lock()
	s.active = run
	s.mx.Unlock()
	s.begin(runCtx, run)

	proc, err := s.launcher.Spawn(runCtx, run.dir, NewCommand(kind.Command),
		streamWriter{run: run, stream: Stdout},
		streamWriter{run: run, stream: Stderr},
	)
	if err != nil {
		if !errors.Is(err, model.ErrSpawn) {
			err = fmt.Errorf("%w: %w", model.ErrSpawn, err)
		}
		slog.ErrorContext(runCtx, "analysis could not be started", "error", err)
		close(run.terminated)
		run.conclude(Candidate{
			Source:   SourceSpawn,
			Message:  "analysis could not be started",
			Terminal: true,
			Err:      err,
		})
		s.release(runCtx, run)
		close(run.done)
		return run, nil
	}

	run.mx.Lock()
	run.pid = proc.Pid()
	run.state = model.RunRunning
	run.mx.Unlock()
	runCtx = log.ContextAttrs(runCtx, slog.Int("pid", proc.Pid()))
	slog.InfoContext(runCtx, "analysis started", "dir", run.dir)
	run.emit(0, "analysis started")

	s.wg.Go(func() {
		s.loop(runCtx, run, proc)
	})
	return run, nil
}

func invalid(format string, args ...any) error {
	return model.NewRunError(model.ErrValidation, format, args...)
}

// validate checks the request without touching the working directory.
func (s *Supervisor) validate(req model.StartRequest) (model.Kind, error) {
	kind, ok := s.kinds[req.Kind]
	if !ok {
		return model.Kind{}, invalid("unknown analysis kind %q", req.Kind)
	}
	dir := req.WorkingDir
	switch {
	case dir == "":
		return kind, invalid("working directory is not set")
	case !filepath.IsAbs(dir):
		return kind, invalid("working directory %q is not absolute", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return kind, invalid("working directory %q: %v", dir, err)
	}
	if !info.IsDir() {
		return kind, invalid("working directory %q is not a directory", dir)
	}

	for name := range req.Drivers {
		if !slices.Contains(kind.Drivers, name) {
			return kind, invalid("driver %q is not used by kind %s", name, req.Kind)
		}
	}
	for _, name := range kind.Drivers {
		if _, ok := req.Drivers[name]; ok {
			continue
		}
		if _, ok := FindArtifact(filepath.Join(dir, name)); !ok {
			return kind, invalid("driver file %s is missing in %s", name, dir)
		}
	}
	if _, err := NewClassifier(kind, s.tailBytes); err != nil {
		return kind, invalid("kind %s: %v", req.Kind, err)
	}
	return kind, nil
}

// prepare writes the driver files and recreates the output directory of a
// validated request.
func (s *Supervisor) prepare(run *Run, kind model.Kind, req model.StartRequest) error {
	dir := req.WorkingDir
	names := make([]string, 0, len(req.Drivers))
	for name := range req.Drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mode := os.FileMode(0o644)
		if name == kind.Command.Path {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(req.Drivers[name]), mode); err != nil {
			return invalid("writing driver %s: %v", name, err)
		}
	}

	out := filepath.Join(dir, s.resultsDir)
	if err := os.RemoveAll(out); err != nil {
		return invalid("clearing output directory: %v", err)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return invalid("creating output directory: %v", err)
	}

	c, err := NewClassifier(kind, s.tailBytes)
	if err != nil {
		return invalid("kind %s: %v", req.Kind, err)
	}
	run.classifier = c
	run.tail = c.tail
	run.artifact = filepath.Join(out, kind.Artifact)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, run *Run, proc Process) {
	watchCtx, cancel := context.WithCancel(ctx)
	found := make(chan string, 1)
	var wg sync.WaitGroup
	watcher := NewWatcher(run.artifact, s.poll)
	wg.Go(func() {
		watcher.Watch(watchCtx, found)
	})

	verdict := run.await(ctx, proc, found)
	close(run.terminated)
	cancel()
	wg.Wait()

	if verdict.Success {
		slog.InfoContext(ctx, "analysis succeeded", "source", verdict.Source.String(), "result", verdict.ResultPath)
	} else {
		slog.WarnContext(ctx, "analysis failed", "source", verdict.Source.String(), "error", verdict.Err)
	}
	run.conclude(verdict)

	running := !exited(proc)
	switch {
	case running && verdict.Success:
		if s.reaper != nil {
			s.reaper.Track(run.id, run.started, proc)
		} else {
			slog.WarnContext(ctx, "process still running after success: leaving it alone")
		}
	case !verdict.Success:
		// an exited process may still leave descendants in its group
		tctx := context.WithoutCancel(ctx)
		if err := proc.Terminate(tctx); err != nil {
			slog.ErrorContext(ctx, "terminating analysis", "error", err)
		}
	}

	s.release(ctx, run)
	close(run.done)
}

func exited(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

func (s *Supervisor) begin(ctx context.Context, run *Run) {
	if s.history == nil {
		return
	}
	if err := s.history.Begin(ctx, run.Info()); err != nil {
		slog.ErrorContext(ctx, "recording run start", "error", err)
	}
}

// release frees the slot, remembers a successful working directory and
// records the outcome.
func (s *Supervisor) release(ctx context.Context, run *Run) {
	info := run.Info()
	s.mx.Lock()
	if s.active == run {
		s.active = nil
	}
	if info.State == model.RunSucceeded {
		s.lastDir = run.dir
	}
	s.mx.Unlock()

	if s.history == nil {
		return
	}
	if err := s.history.Finish(context.WithoutCancel(ctx), info); err != nil {
		slog.ErrorContext(ctx, "recording run outcome", "error", err)
	}
}

// Stop cancels the active run and waits until its verdict is delivered or
// ctx is done.
func (s *Supervisor) Stop(ctx context.Context) model.StopResult {
	run := s.Active()
	if run == nil {
		return model.StopResult{Message: "no analysis is running"}
	}
	run.requestStop("stop requested")
	select {
	case <-run.Done():
	case <-ctx.Done():
		return model.StopResult{Stopped: true, RunID: run.ID(), Message: "stop requested"}
	}
	if !errors.Is(run.Err(), model.ErrCancelled) {
		return model.StopResult{RunID: run.ID(), Message: "analysis had already finished"}
	}
	return model.StopResult{Stopped: true, RunID: run.ID(), Message: "analysis stopped"}
}

// Active returns the run occupying the slot or nil.
func (s *Supervisor) Active() *Run {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.active
}

// LastWorkDir is the working directory of the last successful run.
func (s *Supervisor) LastWorkDir() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.lastDir
}

func (s *Supervisor) Status() model.Status {
	st := model.Status{
		LastWorkingDir: s.LastWorkDir(),
		BusyPolicy:     model.BusyPolicyPreempt,
	}
	if !s.preempt {
		st.BusyPolicy = model.BusyPolicyReject
	}
	for name := range s.kinds {
		st.Kinds = append(st.Kinds, name)
	}
	sort.Strings(st.Kinds)
	if run := s.Active(); run != nil {
		info := run.Info()
		st.Active = &info
	}
	return st
}

// History returns up to limit recorded runs, newest first.
func (s *Supervisor) History(ctx context.Context, limit int) ([]model.RunInfo, error) {
	if s.history == nil {
		return []model.RunInfo{}, nil
	}
	return s.history.List(ctx, limit)
}

// Lookup returns the active run with the given id or its recorded outcome.
func (s *Supervisor) Lookup(ctx context.Context, id string) (model.RunInfo, error) {
	if run := s.Active(); run != nil && run.ID() == id {
		return run.Info(), nil
	}
	if s.history == nil {
		return model.RunInfo{}, fmt.Errorf("%w: run %s", model.ErrNotFound, id)
	}
	return s.history.Get(ctx, id)
}

// Do runs until ctx is cancelled. It owns the reaper schedule.
//
// Shutdown (deferred order): stop the active run -> wait for run loops ->
// reaper shutdown -> close history.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	defer func() {
		if err := s.Close(); err != nil {
			slog.ErrorContext(ctx, "closing run history", "error", err)
		}
	}()

	if s.reaper != nil {
		s.reaper.Start()
		defer func() {
			if err := s.reaper.Shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "shutting down the reaper has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.wg.Wait()
	}()

	<-ctx.Done()
	if run := s.Active(); run != nil {
		slog.InfoContext(ctx, "stopping active run", "run_id", run.ID())
		run.requestStop("supervisor shutting down")
	}
	return nil
}

// Close releases the run history. Do calls it on exit; one-off users
// which never call Do close the supervisor themselves.
func (s *Supervisor) Close() error {
	closer, ok := s.history.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
