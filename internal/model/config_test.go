package model_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dftlab/dftsup/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
server:
  listen: 127.0.0.1:5055
  allowed_origins:
    - http://localhost:3000
supervisor:
  log: stderr
  busy_policy: reject
  poll_interval: 5s
  grace_period: 1s
  output_tail: 4096
  reaper:
    schedule:
      cron: "*/5 * * * *"
    max_lifetime: 1h
results:
  extract:
    command:
      path: matlab
      args: ["-batch", "export_results"]
    timeout: 2m
kinds:
  dft:
    drivers: [dft_model.json, run_dft.bat]
    command:
      path: run_dft.bat
      env:
        lc_all: C
    artifact: results.mat
    success_markers: ["analysis completed successfully"]
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5055", cfg.Server.Listen)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	require.Equal(t, model.LogStderr, cfg.Supervisor.LogSink())
	require.False(t, cfg.Supervisor.Preempts())
	require.False(t, cfg.Supervisor.IsVerbose())
	require.Equal(t, 4096, cfg.Supervisor.TailBytes())

	poll, err := cfg.Supervisor.PollEvery()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, poll)
	grace, err := cfg.Supervisor.Grace()
	require.NoError(t, err)
	require.Equal(t, time.Second, grace)

	require.NotNil(t, cfg.Supervisor.Reaper)
	require.True(t, cfg.Supervisor.Reaper.Enabled)
	lifetime, err := cfg.Supervisor.Reaper.Lifetime()
	require.NoError(t, err)
	require.Equal(t, time.Hour, lifetime)
	every, err := cfg.Supervisor.Reaper.Every()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, every)

	results := cfg.ResultsSettings()
	require.Equal(t, model.DefaultResultsDir, results.DirName())
	require.Equal(t, model.DefaultResultsFile, results.FileName())
	timeout, err := results.ExtractTimeout()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, timeout)

	require.Len(t, cfg.Kinds, 1)
	dft := cfg.Kinds[model.KindDFT]
	require.Equal(t, model.ProgressNumeric, dft.Progress)
	require.Equal(t, model.DefaultProgressPattern, dft.Pattern())
	require.True(t, dft.FailsOnStderr())
	require.False(t, dft.MarkerIsTerminal())
	require.Equal(t, map[string]string{"lc_all": "C"}, dft.Command.Env)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\nserver: {}\nsupervisor: {}\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultListen, cfg.Server.Listen)
	require.Equal(t, model.BusyPolicyPreempt, cfg.Supervisor.BusyPolicy)
	require.True(t, cfg.Supervisor.Preempts())

	poll, err := cfg.Supervisor.PollEvery()
	require.NoError(t, err)
	require.Equal(t, model.DefaultPollInterval, poll)

	require.Contains(t, cfg.Kinds, model.KindDFT)
	require.Contains(t, cfg.Kinds, model.KindCTMC)
	ctmc := cfg.Kinds[model.KindCTMC]
	require.Equal(t, model.ProgressMilestone, ctmc.Progress)
	require.Equal(t, model.DefaultCheckpoint, ctmc.CheckpointValue())
}

func TestLoadConfig_Fail(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		path string
		code string
	}{
		{
			name: "busy policy",
			yml:  "version: 0\nserver: {}\nsupervisor:\n  busy_policy: queue\n",
			path: "supervisor.busy_policy",
		},
		{
			name: "unknown field",
			yml:  "version: 0\nserver: {}\nsupervisor:\n  mode: manual\n",
			path: "supervisor.mode",
			code: "unknown_field",
		},
		{
			name: "bad duration",
			yml:  "version: 0\nserver: {}\nsupervisor:\n  poll_interval: 10 seconds\n",
			path: "supervisor.poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
				if tt.code != "" && d.Path == tt.path {
					require.Equal(t, tt.code, d.Code)
				}
			}
			require.Contains(t, paths, tt.path)
		})
	}
}

func TestLoadConfig_Validate(t *testing.T) {
	t.Run("poll interval too short", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader("version: 0\nserver: {}\nsupervisor:\n  poll_interval: 0s\n"))
		require.Error(t, err)
		require.ErrorContains(t, err, "supervisor.poll_interval")
	})
	t.Run("milestone without completion markers", func(t *testing.T) {
		yml := `
version: 0
server: {}
supervisor: {}
kinds:
  ctmc:
    drivers: [ctmc_model.json]
    command: {path: run_ctmc.bat}
    artifact: results.json
    progress: milestone
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
		require.ErrorContains(t, err, "completion_markers")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(context.Background())
	require.NoError(t, cfg.Validate())

	// the default config is written as YAML on the first start and must
	// load back unchanged
	b, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	loaded, err := model.LoadConfig(strings.NewReader(string(b)))
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestParseCueDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "10s", want: 10 * time.Second},
		{in: "2m30s", want: 2*time.Minute + 30*time.Second},
		{in: "1d2h", want: 26 * time.Hour},
		{in: "", err: true},
		{in: "10", err: true},
		{in: "1s2m", err: true},
		{in: "999999999999d", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := model.ParseCueDuration(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "PT1M", want: time.Minute},
		{in: "P1DT12H", want: 36 * time.Hour},
		{in: "PT0.5S", want: 500 * time.Millisecond},
		{in: "P2M", err: true},
		{in: "P2DT", err: true},
		{in: "PT", err: true},
		{in: "1h", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := model.ParseISODuration(tt.in)
			if tt.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseCron(t *testing.T) {
	d, err := model.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = model.ParseCron("@every 90s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	_, err = model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("* * * *")
	require.Error(t, err)
}

func TestRunError(t *testing.T) {
	code := 3
	err := &model.RunError{
		Err:      model.ErrExitMismatch,
		Detail:   "process exited with code 3",
		ExitCode: &code,
	}
	require.ErrorIs(t, err, model.ErrExitMismatch)
	require.EqualError(t, err, "process exited without a result: process exited with code 3 (exit code 3)")

	err = model.NewRunError(model.ErrValidation, "unknown analysis kind %q", "fta")
	require.ErrorIs(t, err, model.ErrValidation)
	require.EqualError(t, err, `validation failed: unknown analysis kind "fta"`)
}
