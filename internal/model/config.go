package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	BusyPolicyPreempt = "preempt"
	BusyPolicyReject  = "reject"

	ProgressNumeric   = "numeric"
	ProgressMilestone = "milestone"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	KindDFT  = "dft"
	KindCTMC = "ctmc"
)

// Defaults applied when the configuration leaves a value out.
const (
	DefaultListen          = "127.0.0.1:5000"
	DefaultPollInterval    = 10 * time.Second
	MinPollInterval        = time.Second
	DefaultGracePeriod     = 2 * time.Second
	DefaultOutputTail      = 64 * 1024
	DefaultMaxLifetime     = 30 * time.Minute
	DefaultReaperEvery     = time.Minute
	DefaultResultsDir      = "output"
	DefaultResultsFile     = "results.json"
	DefaultExtractTimeout  = 10 * time.Minute
	DefaultProgressPattern = `Progress:\s*([0-9]+(?:\.[0-9]+)?)\s*%`
	DefaultCheckpoint      = 10.0
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int             `json:"version" yaml:"version"` // fixed 0 for now
	Server     Server          `json:"server" yaml:"server"`
	Supervisor Supervisor      `json:"supervisor" yaml:"supervisor"`
	Results    *Results        `json:"results,omitempty" yaml:"results,omitempty"`
	Kinds      map[string]Kind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

// Server is the HTTP surface consumed by the editor.
type Server struct {
	Listen         string   `json:"listen" yaml:"listen"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

type Supervisor struct {
	Verbose      *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log          *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	BusyPolicy   string  `json:"busy_policy" yaml:"busy_policy"`     // "preempt" | "reject"
	PollInterval *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	GracePeriod  *string `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	OutputTail   *int    `json:"output_tail,omitempty" yaml:"output_tail,omitempty"`
	History      *string `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database path
	Reaper       *Reaper `json:"reaper,omitempty" yaml:"reaper,omitempty"`
}

// Reaper terminates processes left running after an artifact-driven success.
type Reaper struct {
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MaxLifetime *string   `json:"max_lifetime,omitempty" yaml:"max_lifetime,omitempty"`
}

// Schedule holds either a 5-field cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Results struct {
	Dir     *string  `json:"dir,omitempty" yaml:"dir,omitempty"`
	File    *string  `json:"file,omitempty" yaml:"file,omitempty"`
	Extract *Extract `json:"extract,omitempty" yaml:"extract,omitempty"`
}

type Extract struct {
	Command Command `json:"command" yaml:"command"`
	Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Command struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Kind describes one analysis kind: the driver files it needs, how it is
// launched and how its output is interpreted.
type Kind struct {
	Drivers           []string `json:"drivers" yaml:"drivers"`
	Command           Command  `json:"command" yaml:"command"`
	Artifact          string   `json:"artifact" yaml:"artifact"`
	Progress          string   `json:"progress" yaml:"progress"` // "numeric" | "milestone"
	ProgressPattern   *string  `json:"progress_pattern,omitempty" yaml:"progress_pattern,omitempty"`
	StartMarker       *string  `json:"start_marker,omitempty" yaml:"start_marker,omitempty"`
	Checkpoint        *float64 `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	CompletionMarkers []string `json:"completion_markers,omitempty" yaml:"completion_markers,omitempty"`
	SuccessMarkers    []string `json:"success_markers,omitempty" yaml:"success_markers,omitempty"`
	FailureMarkers    []string `json:"failure_markers,omitempty" yaml:"failure_markers,omitempty"`
	StderrFails       *bool    `json:"stderr_fails,omitempty" yaml:"stderr_fails,omitempty"`
	TerminalOnMarker  *bool    `json:"terminal_on_marker,omitempty" yaml:"terminal_on_marker,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("dftsup.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	if len(out.Kinds) == 0 {
		out.Kinds = DefaultKinds()
	}

	return out, nil
}

// Validate checks the constraints CUE can't express, mostly durations.
func (c Config) Validate() error {
	poll, err := c.Supervisor.PollEvery()
	if err != nil {
		return fmt.Errorf("supervisor.poll_interval: %w", err)
	}
	if poll < MinPollInterval {
		return fmt.Errorf("supervisor.poll_interval: %s is shorter than %s", poll, MinPollInterval)
	}
	if _, err := c.Supervisor.Grace(); err != nil {
		return fmt.Errorf("supervisor.grace_period: %w", err)
	}
	if r := c.Supervisor.Reaper; r != nil {
		if _, err := r.Lifetime(); err != nil {
			return fmt.Errorf("supervisor.reaper.max_lifetime: %w", err)
		}
		if _, err := r.Every(); err != nil {
			return fmt.Errorf("supervisor.reaper.schedule: %w", err)
		}
	}
	if _, err := c.ResultsSettings().ExtractTimeout(); err != nil {
		return fmt.Errorf("results.extract.timeout: %w", err)
	}
	for name, k := range c.Kinds {
		if k.Progress == ProgressMilestone && len(k.CompletionMarkers) == 0 {
			return fmt.Errorf("kinds.%s: milestone progress needs completion_markers", name)
		}
	}
	return nil
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Server: Server{
			Listen: DefaultListen,
		},
		Supervisor: Supervisor{
			Log:          ptr(LogStderr),
			BusyPolicy:   BusyPolicyPreempt,
			PollInterval: ptr("10s"),
			GracePeriod:  ptr("2s"),
			Reaper: &Reaper{
				Enabled:     true,
				Schedule:    &Schedule{Duration: "PT1M"},
				MaxLifetime: ptr("30m"),
			},
		},
		Results: &Results{
			Dir:  ptr(DefaultResultsDir),
			File: ptr(DefaultResultsFile),
			Extract: &Extract{
				Command: Command{
					Path: "matlab",
					Args: []string{"-batch", "export_results"},
				},
				Timeout: ptr("10m"),
			},
		},
		Kinds: DefaultKinds(),
	}
}

// DefaultKinds are the two analyses the editor knows about.
func DefaultKinds() map[string]Kind {
	return map[string]Kind{
		KindDFT: {
			Drivers:         []string{"dft_model.json", "run_dft.bat"},
			Command:         Command{Path: "run_dft.bat"},
			Artifact:        "results.mat",
			Progress:        ProgressNumeric,
			ProgressPattern: ptr(DefaultProgressPattern),
			SuccessMarkers:  []string{"analysis completed successfully"},
			FailureMarkers:  []string{"analysis failed"},
		},
		KindCTMC: {
			Drivers:           []string{"ctmc_model.json", "run_ctmc.bat"},
			Command:           Command{Path: "run_ctmc.bat"},
			Artifact:          "results.json",
			Progress:          ProgressMilestone,
			StartMarker:       ptr("starting ctmc analysis"),
			Checkpoint:        ptr(DefaultCheckpoint),
			CompletionMarkers: []string{"ctmc analysis complete", "results saved"},
			FailureMarkers:    []string{"analysis failed"},
		},
	}
}

func (s Supervisor) IsVerbose() bool {
	return get(s.Verbose)
}

func (s Supervisor) LogSink() string {
	if s.Log == nil {
		return LogStderr
	}
	return *s.Log
}

func (s Supervisor) PollEvery() (time.Duration, error) {
	return durationOr(s.PollInterval, DefaultPollInterval)
}

func (s Supervisor) Grace() (time.Duration, error) {
	return durationOr(s.GracePeriod, DefaultGracePeriod)
}

func (s Supervisor) TailBytes() int {
	if s.OutputTail == nil {
		return DefaultOutputTail
	}
	return *s.OutputTail
}

func (s Supervisor) Preempts() bool {
	return s.BusyPolicy != BusyPolicyReject
}

func (r Reaper) Lifetime() (time.Duration, error) {
	return durationOr(r.MaxLifetime, DefaultMaxLifetime)
}

// Every returns the interval of the reaper job. A cron schedule is
// converted to the distance between two consecutive activations.
func (r Reaper) Every() (time.Duration, error) {
	if r.Schedule == nil {
		return DefaultReaperEvery, nil
	}
	switch {
	case r.Schedule.Cron != "":
		return ParseCron(r.Schedule.Cron)
	case r.Schedule.Duration != "":
		return ParseISODuration(r.Schedule.Duration)
	default:
		return DefaultReaperEvery, nil
	}
}

// ResultsSettings never returns nil sections, so callers can chain getters.
func (c Config) ResultsSettings() Results {
	if c.Results == nil {
		return Results{}
	}
	return *c.Results
}

func (r Results) DirName() string {
	if r.Dir == nil {
		return DefaultResultsDir
	}
	return *r.Dir
}

func (r Results) FileName() string {
	if r.File == nil {
		return DefaultResultsFile
	}
	return *r.File
}

func (r Results) ExtractTimeout() (time.Duration, error) {
	if r.Extract == nil {
		return DefaultExtractTimeout, nil
	}
	return durationOr(r.Extract.Timeout, DefaultExtractTimeout)
}

func (k Kind) Pattern() string {
	if k.ProgressPattern == nil {
		return DefaultProgressPattern
	}
	return *k.ProgressPattern
}

func (k Kind) CheckpointValue() float64 {
	if k.Checkpoint == nil {
		return DefaultCheckpoint
	}
	return *k.Checkpoint
}

func (k Kind) FailsOnStderr() bool {
	if k.StderrFails == nil {
		return true
	}
	return *k.StderrFails
}

func (k Kind) MarkerIsTerminal() bool {
	return get(k.TerminalOnMarker)
}

func durationOr(s *string, dflt time.Duration) (time.Duration, error) {
	if s == nil {
		return dflt, nil
	}
	return ParseCueDuration(*s)
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
