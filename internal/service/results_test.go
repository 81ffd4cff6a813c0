package service_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dftlab/dftsup/internal/model"
	"github.com/dftlab/dftsup/internal/service"
	"github.com/stretchr/testify/require"
)

const resultsJSON = `{
  "topEventProbability": 0.0125,
  "missionTime": 1000,
  "model": "pumps",
  "converged": true,
  "cutSets": [["p1", "p2"]]
}`

func TestSupervisor_Results(t *testing.T) {
	t.Parallel()
	sup, l := newTestSupervisor(t, service.Options{})

	_, err := sup.Results(t.Context(), "")
	require.ErrorIs(t, err, model.ErrNotFound)

	// a finished run makes its directory the default
	req := dftRequest(t)
	run, err := sup.Start(t.Context(), req)
	require.NoError(t, err)
	p := l.next(t)
	writeFile(t, filepath.Join(req.WorkingDir, "output", "results.mat"), "mat")
	p.Exit(0)
	waitDone(t, run)

	_, err = sup.Results(t.Context(), "")
	require.ErrorIs(t, err, model.ErrNotFound)

	writeFile(t, filepath.Join(req.WorkingDir, "output", "results.json"), resultsJSON)
	rs, err := sup.Results(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, req.WorkingDir, rs.WorkingDir)
	require.Equal(t, filepath.Join(req.WorkingDir, "output", "results.json"), rs.Path)
	require.JSONEq(t, resultsJSON, string(rs.Data))
	require.Equal(t, map[string]string{
		"topEventProbability": "0.0125",
		"missionTime":         "1000",
		"model":               "pumps",
		"converged":           "true",
	}, rs.Summary)
	require.GreaterOrEqual(t, rs.AgeSeconds, 0.0)

	other := t.TempDir()
	writeFile(t, filepath.Join(other, "output", "results.json"), "{not json")
	_, err = sup.Results(t.Context(), other)
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestSupervisor_Extract(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		sup, _ := newTestSupervisor(t, service.Options{})
		_, err := sup.Extract(t.Context(), t.TempDir())
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		sup, l := newTestSupervisor(t, service.Options{
			Extract: &service.Command{Path: "matlab", Args: []string{"-batch", "export_results"}},
		})
		dir := t.TempDir()

		type outcome struct {
			rs  model.ResultSet
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			rs, err := sup.Extract(t.Context(), dir)
			done <- outcome{rs, err}
		}()
		p := l.next(t)
		require.Equal(t, dir, p.dir)
		require.Equal(t, "matlab", l.cmds[0].Path)

		// one extraction at a time
		_, err := sup.Extract(t.Context(), dir)
		require.ErrorIs(t, err, model.ErrBusy)

		writeFile(t, filepath.Join(dir, "output", "results.json"), resultsJSON)
		p.Exit(0)
		out := <-done
		require.NoError(t, out.err)
		require.Equal(t, "pumps", out.rs.Summary["model"])
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()
		sup, l := newTestSupervisor(t, service.Options{
			Extract: &service.Command{Path: "matlab"},
		})
		dir := t.TempDir()
		done := make(chan error, 1)
		go func() {
			_, err := sup.Extract(t.Context(), dir)
			done <- err
		}()
		p := l.next(t)
		p.Err("Unable to read results.mat\n")
		p.Exit(1)

		err := <-done
		require.ErrorIs(t, err, model.ErrExitMismatch)
		var runErr *model.RunError
		require.ErrorAs(t, err, &runErr)
		require.Equal(t, 1, *runErr.ExitCode)
		require.Contains(t, runErr.Tail, "Unable to read results.mat")
	})
	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		sup, l := newTestSupervisor(t, service.Options{
			Extract: &service.Command{Path: "matlab", Timeout: 10 * time.Minute},
		})
		dir := t.TempDir()
		done := make(chan error, 1)
		go func() {
			_, err := sup.Extract(t.Context(), dir)
			done <- err
		}()
		p := l.next(t)
		p.Out("Loading results.mat\n")
		p.finish(-1, fmt.Errorf("%w after 10m0s", model.ErrTimeout))

		err := <-done
		require.ErrorIs(t, err, model.ErrTimeout)
		var runErr *model.RunError
		require.ErrorAs(t, err, &runErr)
		require.Contains(t, runErr.Detail, "10m0s")
		require.Contains(t, runErr.Tail, "Loading results.mat")
	})
}
