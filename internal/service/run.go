package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dftlab/dftsup/internal/model"
)

type chunk struct {
	stream Stream
	data   []byte
}

// Run is one analysis execution. All evidence about it is funnelled into
// a single loop goroutine, which is the only place deciding the verdict.
type Run struct {
	id       string
	kind     string
	dir      string
	artifact string
	started  time.Time

	channel    *Channel
	classifier *Classifier
	tail       *tailBuffer

	chunks     chan chunk
	terminated chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	mx         sync.Mutex
	stopReason string
	pid        int
	progress   float64
	state      model.RunState
	resultPath string
	err        error
	exitCode   *int
	finished   time.Time
}

func newRun(id, kind, dir string) *Run {
	return &Run{
		id:         id,
		kind:       kind,
		dir:        dir,
		started:    time.Now().UTC(),
		channel:    NewChannel(),
		tail:       newTailBuffer(model.DefaultOutputTail),
		chunks:     make(chan chunk, 64),
		terminated: make(chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      model.RunPending,
	}
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) Kind() string {
	return r.kind
}

func (r *Run) WorkingDir() string {
	return r.dir
}

// Events is the run's progress stream.
func (r *Run) Events() *Channel {
	return r.channel
}

// Done is closed once the verdict was delivered and the slot released.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the failure of a finished run, nil for a success.
func (r *Run) Err() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.err
}

func (r *Run) Info() model.RunInfo {
	r.mx.Lock()
	defer r.mx.Unlock()
	info := model.RunInfo{
		ID:         r.id,
		Kind:       r.kind,
		WorkingDir: r.dir,
		Started:    r.started,
		Pid:        r.pid,
		Progress:   r.progress,
		State:      r.state,
		ResultPath: r.resultPath,
		ExitCode:   r.exitCode,
		Cancelled:  errors.Is(r.err, model.ErrCancelled),
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	if !r.finished.IsZero() {
		finished := r.finished
		info.Finished = &finished
	}
	return info
}

func (r *Run) requestStop(reason string) {
	r.stopOnce.Do(func() {
		r.mx.Lock()
		r.stopReason = reason
		r.mx.Unlock()
		close(r.stop)
	})
}

func (r *Run) emit(progress float64, message string) {
	r.mx.Lock()
	if progress > r.progress {
		r.progress = progress
	}
	progress = r.progress
	r.mx.Unlock()

	_ = r.channel.Send(model.ProgressEvent{
		RunID:    r.id,
		Progress: progress,
		Message:  message,
	})
}

// await collects evidence until the first terminal candidate.
func (r *Run) await(ctx context.Context, proc Process, found <-chan string) Candidate {
	for {
		select {
		case c := <-r.chunks:
			if v, ok := r.apply(r.classifier.Feed(c.stream, c.data)); ok {
				return v
			}
		case path := <-found:
			return Candidate{
				Source:     SourceArtifact,
				Progress:   100,
				Message:    "result artifact found",
				Terminal:   true,
				Success:    true,
				ResultPath: path,
			}
		case <-proc.Done():
			// output copying has finished, every chunk is buffered already
		drain:
			for {
				select {
				case c := <-r.chunks:
					if v, ok := r.apply(r.classifier.Feed(c.stream, c.data)); ok {
						return v
					}
				default:
					break drain
				}
			}
			return r.exitCandidate(proc.Result())
		case <-r.stop:
			r.mx.Lock()
			reason := r.stopReason
			r.mx.Unlock()
			return r.cancelled(reason)
		case <-r.channel.Gone():
			return r.cancelled("observer disconnected")
		case <-ctx.Done():
			return r.cancelled("supervisor shutting down")
		}
	}
}

// apply publishes progress candidates and returns the first terminal one.
func (r *Run) apply(cands []Candidate) (Candidate, bool) {
	for _, c := range cands {
		if c.Terminal {
			return c, true
		}
		r.emit(c.Progress, c.Message)
	}
	return Candidate{}, false
}

func (r *Run) exitCandidate(res Result) Candidate {
	code := res.ExitCode()
	if code == 0 {
		if path, ok := FindArtifact(r.artifact); ok {
			return Candidate{
				Source:     SourceExit,
				Progress:   100,
				Message:    "analysis finished",
				Terminal:   true,
				Success:    true,
				ResultPath: path,
				ExitCode:   &code,
			}
		}
		if r.classifier.SuccessSeen() {
			return Candidate{
				Source:   SourceExit,
				Progress: 100,
				Message:  "analysis finished",
				Terminal: true,
				Success:  true,
				ExitCode: &code,
			}
		}
	}

	detail := fmt.Sprintf("process exited with code %d", code)
	if code == 0 {
		detail = "process exited without producing " + r.artifact
	}
	if res.Err != nil && code != 0 {
		detail += ": " + res.Err.Error()
	}
	return Candidate{
		Source:   SourceExit,
		Progress: r.classifier.Progress(),
		Message:  "analysis failed",
		Terminal: true,
		ExitCode: &code,
		Err: &model.RunError{
			Err:      model.ErrExitMismatch,
			Detail:   detail,
			ExitCode: &code,
			Tail:     r.tail.String(),
		},
	}
}

func (r *Run) cancelled(reason string) Candidate {
	if reason == "" {
		reason = "stop requested"
	}
	return Candidate{
		Source:    SourceStop,
		Message:   "analysis cancelled",
		Terminal:  true,
		Cancelled: true,
		Err:       model.NewRunError(model.ErrCancelled, "%s", reason),
	}
}

// conclude records the verdict and sends the single terminal event.
func (r *Run) conclude(v Candidate) {
	r.mx.Lock()
	r.finished = time.Now().UTC()
	r.exitCode = v.ExitCode
	if v.Success {
		r.state = model.RunSucceeded
		r.progress = 100
		r.resultPath = v.ResultPath
	} else {
		r.state = model.RunFailed
		r.err = v.Err
	}
	progress := r.progress
	r.mx.Unlock()

	ev := model.ProgressEvent{
		RunID:     r.id,
		Progress:  progress,
		Message:   v.Message,
		Terminal:  true,
		Success:   &v.Success,
		ExitCode:  v.ExitCode,
		Cancelled: v.Cancelled,
	}
	if v.ResultPath != "" {
		ev.ResultPath = &v.ResultPath
	}
	if v.Err != nil {
		msg := v.Err.Error()
		ev.Error = &msg
		var runErr *model.RunError
		if errors.As(v.Err, &runErr) {
			if runErr.Tail == "" && errors.Is(runErr, model.ErrRuntime) {
				runErr.Tail = r.tail.String()
			}
			ev.Output = runErr.Tail
			if ev.ExitCode == nil {
				ev.ExitCode = runErr.ExitCode
			}
		}
	}
	if err := r.channel.Send(ev); err != nil {
		slog.Error("terminal event rejected", "run_id", r.id, "error", err)
	}
}

// streamWriter forwards process output to the run loop. Once the verdict is
// known chunks are only kept in the tail.
type streamWriter struct {
	run    *Run
	stream Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	select {
	case <-w.run.terminated:
		_, _ = w.run.tail.Write(p)
		return len(p), nil
	default:
	}
	select {
	case w.run.chunks <- chunk{stream: w.stream, data: bytes.Clone(p)}:
	case <-w.run.terminated:
		_, _ = w.run.tail.Write(p)
	}
	return len(p), nil
}
