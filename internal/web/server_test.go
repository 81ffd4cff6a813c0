package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dftlab/dftsup/internal/model"
	"github.com/dftlab/dftsup/internal/service"
	"github.com/dftlab/dftsup/internal/web"
	"github.com/stretchr/testify/require"
)

type launcher struct {
	spawned chan *proc
}

func (l *launcher) Spawn(_ context.Context, dir string, _ service.Command, stdout, stderr io.Writer) (service.Process, error) {
	p := &proc{dir: dir, stdout: stdout, done: make(chan struct{})}
	l.spawned <- p
	return p, nil
}

func (l *launcher) next(t *testing.T) *proc {
	t.Helper()
	select {
	case p := <-l.spawned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

type proc struct {
	dir    string
	stdout io.Writer
	done   chan struct{}
	once   sync.Once

	mx           sync.Mutex
	code         int
	err          error
	terminations int
}

func (p *proc) Pid() int {
	return 4242
}

func (p *proc) Done() <-chan struct{} {
	return p.done
}

func (p *proc) Out(s string) {
	_, _ = p.stdout.Write([]byte(s))
}

func (p *proc) Exit(code int) {
	p.finish(code)
}

func (p *proc) Terminate(context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mx.Lock()
	p.terminations++
	p.mx.Unlock()
	p.finish(-1)
	return nil
}

func (p *proc) Result() service.Result {
	p.mx.Lock()
	defer p.mx.Unlock()
	return service.Result{Dir: p.dir, Code: p.code, Err: p.err}
}

// Fail ends the process with a runner error.
func (p *proc) Fail(err error) {
	p.mx.Lock()
	p.err = err
	p.mx.Unlock()
	p.finish(-1)
}

func (p *proc) Terminations() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.terminations
}

func (p *proc) finish(code int) {
	p.once.Do(func() {
		p.mx.Lock()
		p.code = code
		p.mx.Unlock()
		close(p.done)
	})
}

func newServer(t *testing.T, policy string) (*httptest.Server, *service.Supervisor, *launcher) {
	t.Helper()
	l := &launcher{spawned: make(chan *proc, 4)}
	sup := service.NewSupervisor(t.Context(), service.Options{
		Launcher:     l,
		PollInterval: 20 * time.Millisecond,
		BusyPolicy:   policy,
	})
	srv := httptest.NewServer(web.NewServer(model.Server{
		AllowedOrigins: []string{"http://localhost:3000"},
	}, sup))
	t.Cleanup(srv.Close)
	return srv, sup, l
}

func startBody(t *testing.T, dir string) io.Reader {
	t.Helper()
	b, err := json.Marshal(model.StartRequest{
		WorkingDir: dir,
		Kind:       model.KindDFT,
		Drivers: map[string]string{
			"dft_model.json": "{}",
			"run_dft.bat":    "@echo off\r\n",
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// readEvents parses an event stream, every event must be a single data line.
func readEvents(t *testing.T, r io.Reader) []model.ProgressEvent {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(b, []byte("\n\n")), "stream ends with a complete frame")

	var events []model.ProgressEvent
	for _, frame := range strings.Split(strings.TrimSuffix(string(b), "\n\n"), "\n\n") {
		data, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, "frame %q", frame)
		require.NotContains(t, data, "\n")
		var ev model.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestRun_EventStream(t *testing.T) {
	t.Parallel()
	srv, sup, l := newServer(t, model.BusyPolicyPreempt)
	dir := t.TempDir()

	var wg sync.WaitGroup
	wg.Go(func() {
		var p *proc
		select {
		case p = <-l.spawned:
		case <-time.After(5 * time.Second):
			return
		}
		p.Out("Progress: 50%\n")
		_ = os.WriteFile(filepath.Join(dir, "output", "results.mat"), []byte("mat"), 0o644)
		p.Exit(0)
	})

	resp, err := http.Post(srv.URL+"/api/analysis/run", "application/json", startBody(t, dir))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Run-Id"))

	events := readEvents(t, resp.Body)
	wg.Wait()
	require.GreaterOrEqual(t, len(events), 2)
	require.Equal(t, 0.0, events[0].Progress)
	last := events[len(events)-1]
	require.True(t, last.Terminal)
	require.True(t, *last.Success)
	require.Equal(t, filepath.Join(dir, "output", "results.mat"), *last.ResultPath)
	for _, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal)
		require.Equal(t, resp.Header.Get("X-Run-Id"), ev.RunID)
	}

	require.Eventually(t, func() bool { return sup.Active() == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestRun_InvalidRequest(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, model.BusyPolicyPreempt)

	resp, err := http.Post(srv.URL+"/api/analysis/run", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a well formed but invalid request is reported on the stream
	resp2, err := http.Post(srv.URL+"/api/analysis/run", "application/json", startBody(t, "relative/dir"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	events := readEvents(t, resp2.Body)
	require.Len(t, events, 1)
	require.True(t, events[0].Terminal)
	require.False(t, *events[0].Success)
	require.Contains(t, *events[0].Error, "not absolute")
}

func TestRun_Busy(t *testing.T) {
	t.Parallel()
	srv, sup, l := newServer(t, model.BusyPolicyReject)

	run, err := sup.Start(t.Context(), model.StartRequest{
		WorkingDir: t.TempDir(),
		Kind:       model.KindDFT,
		Drivers:    map[string]string{"dft_model.json": "{}", "run_dft.bat": ""},
	})
	require.NoError(t, err)
	p := l.next(t)

	resp, err := http.Post(srv.URL+"/api/analysis/run", "application/json", startBody(t, t.TempDir()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body["error"], "already running")

	resp2, err := http.Post(srv.URL+"/api/analysis/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stop model.StopResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stop))
	require.True(t, stop.Stopped)
	require.Equal(t, run.ID(), stop.RunID)
	require.Equal(t, 1, p.Terminations())
}

func TestRun_ClientDisconnect(t *testing.T) {
	t.Parallel()
	srv, sup, l := newServer(t, model.BusyPolicyPreempt)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/analysis/run", startBody(t, t.TempDir()))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	p := l.next(t)
	run := sup.Active()
	require.NotNil(t, run)

	cancel()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run was not stopped")
	}
	require.Equal(t, 1, p.Terminations())
	require.True(t, run.Info().Cancelled)
}

func TestStopIdle(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, model.BusyPolicyPreempt)

	resp, err := http.Post(srv.URL+"/api/analysis/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stop model.StopResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stop))
	require.False(t, stop.Stopped)
	require.Equal(t, "no analysis is running", stop.Message)
}

func TestResults(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, model.BusyPolicyPreempt)

	resp, err := http.Get(srv.URL + "/api/analysis/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output", "results.json"), []byte(`{"topEventProbability": 0.5, "cutSets": []}`), 0o644))

	resp2, err := http.Get(srv.URL + "/api/analysis/results?dir=" + dir)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var body struct {
		Path    string            `json:"path"`
		Summary map[string]string `json:"summary"`
		Results json.RawMessage   `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	require.Equal(t, filepath.Join(dir, "output", "results.json"), body.Path)
	require.Equal(t, "0.5", body.Summary["topEventProbability"])
	require.JSONEq(t, `{"topEventProbability": 0.5, "cutSets": []}`, string(body.Results))

	resp3, err := http.Post(srv.URL+"/api/analysis/extract", "application/json", strings.NewReader(`{"dir": "`+dir+`"}`))
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestExtract_Timeout(t *testing.T) {
	t.Parallel()
	l := &launcher{spawned: make(chan *proc, 1)}
	sup := service.NewSupervisor(t.Context(), service.Options{
		Launcher: l,
		Extract:  &service.Command{Path: "matlab", Timeout: 10 * time.Minute},
	})
	srv := httptest.NewServer(web.NewServer(model.Server{}, sup))
	t.Cleanup(srv.Close)
	dir := t.TempDir()

	type response struct {
		code int
		body []byte
	}
	done := make(chan response, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/analysis/extract", "application/json", strings.NewReader(`{"dir": "`+dir+`"}`))
		if err != nil {
			done <- response{}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		done <- response{resp.StatusCode, b}
	}()

	p := l.next(t)
	p.Out("Loading results.mat\n")
	p.Fail(fmt.Errorf("%w after 10m0s", model.ErrTimeout))

	var resp response
	select {
	case resp = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
	require.Equal(t, http.StatusGatewayTimeout, resp.code)
	var body struct {
		Error  string `json:"error"`
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(resp.body, &body))
	require.Contains(t, body.Error, "did not finish within 10m0s")
	require.Contains(t, body.Output, "Loading results.mat")
}

func TestStatusAndHistory(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, model.BusyPolicyReject)

	resp, err := http.Get(srv.URL + "/api/analysis/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st model.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Nil(t, st.Active)
	require.Equal(t, model.BusyPolicyReject, st.BusyPolicy)

	resp2, err := http.Get(srv.URL + "/api/analysis/history?limit=5")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	b, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(b))

	resp3, err := http.Get(srv.URL + "/api/analysis/history?limit=-1")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	resp4, err := http.Get(srv.URL + "/api/analysis/history/unknown")
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func TestHealthAndCORS(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t, model.BusyPolicyPreempt)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/analysis/run", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Less(t, resp2.StatusCode, 300)
	require.Equal(t, "http://localhost:3000", resp2.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "300", resp2.Header.Get("Access-Control-Max-Age"))

	req.Header.Set("Origin", "http://evil.example")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Empty(t, resp3.Header.Get("Access-Control-Allow-Origin"))
	require.Empty(t, resp3.Header.Get("Access-Control-Allow-Methods"))
}
