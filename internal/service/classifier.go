package service

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dftlab/dftsup/internal/model"
)

// Stream identifies the standard stream a chunk was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Source identifies the evidence producer behind a Candidate.
type Source int

const (
	SourceClassifier Source = iota
	SourceArtifact
	SourceExit
	SourceStop
	SourceValidation
	SourceSpawn
)

func (s Source) String() string {
	switch s {
	case SourceClassifier:
		return "output"
	case SourceArtifact:
		return "artifact"
	case SourceExit:
		return "exit"
	case SourceStop:
		return "stop"
	case SourceValidation:
		return "validation"
	case SourceSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// Candidate is a tentative progress or terminal signal. It becomes part of
// the event stream only after arbitration by the run loop.
type Candidate struct {
	Source     Source
	Progress   float64
	Message    string
	Terminal   bool
	Success    bool
	Cancelled  bool
	Err        error
	ResultPath string
	ExitCode   *int
}

// maxCarry bounds the unterminated line kept between chunks.
const maxCarry = 512

// Classifier turns incremental process output into progress and failure
// candidates. It is not safe for concurrent use, the run loop owns it.
type Classifier struct {
	numeric        bool
	pattern        *regexp.Regexp
	startMarker    string
	checkpoint     float64
	completion     []string
	success        []string
	failure        []string
	stderrFails    bool
	markerTerminal bool

	progress    float64
	successSeen bool
	failed      bool
	carry       [2][]byte
	tail        *tailBuffer
}

func NewClassifier(kind model.Kind, tailBytes int) (*Classifier, error) {
	c := &Classifier{
		numeric:        kind.Progress != model.ProgressMilestone,
		checkpoint:     kind.CheckpointValue(),
		completion:     lower(kind.CompletionMarkers),
		success:        lower(kind.SuccessMarkers),
		failure:        lower(kind.FailureMarkers),
		stderrFails:    kind.FailsOnStderr(),
		markerTerminal: kind.MarkerIsTerminal(),
		tail:           newTailBuffer(tailBytes),
	}
	if kind.StartMarker != nil {
		c.startMarker = strings.ToLower(*kind.StartMarker)
	}
	if c.numeric {
		rx, err := regexp.Compile(kind.Pattern())
		if err != nil {
			return nil, fmt.Errorf("compiling progress pattern: %w", err)
		}
		if rx.NumSubexp() < 1 {
			return nil, fmt.Errorf("progress pattern %q has no capture group", kind.Pattern())
		}
		c.pattern = rx
	}
	return c, nil
}

func (c *Classifier) Progress() float64 {
	return c.progress
}

// SuccessSeen reports whether a success or completion marker was seen.
func (c *Classifier) SuccessSeen() bool {
	return c.successSeen
}

// Tail returns the retained end of the combined output.
func (c *Classifier) Tail() string {
	return c.tail.String()
}

// Feed consumes one chunk. Chunks may split lines arbitrarily; the
// unterminated end of the previous chunk of the same stream is scanned
// again together with the new one.
func (c *Classifier) Feed(stream Stream, chunk []byte) []Candidate {
	if len(chunk) == 0 {
		return nil
	}
	_, _ = c.tail.Write(chunk)

	text := append(c.carry[stream], chunk...)
	c.carry[stream] = carryOver(text)
	low := bytes.ToLower(text)
	message := lastLine(chunk)

	var out []Candidate
	before := c.progress

	if stream == Stdout {
		c.scanProgress(text, low)
	}
	if containsAny(low, c.success) || containsAny(low, c.completion) {
		c.successSeen = true
		c.advance(100)
	}
	if c.progress > before {
		out = append(out, Candidate{
			Source:   SourceClassifier,
			Progress: c.progress,
			Message:  message,
		})
	}

	if c.failed {
		return out
	}
	switch {
	case containsAny(low, c.failure):
		c.failed = true
		out = append(out, c.failureCandidate("failure marker in output: "+markerLine(text, low, c.failure)))
	case stream == Stderr && c.stderrFails && len(bytes.TrimSpace(chunk)) > 0:
		c.failed = true
		out = append(out, c.failureCandidate("error stream: "+message))
	case c.successSeen && c.markerTerminal:
		out = append(out, Candidate{
			Source:   SourceClassifier,
			Progress: 100,
			Message:  "analysis reported completion",
			Terminal: true,
			Success:  true,
		})
	}
	return out
}

func (c *Classifier) scanProgress(text, low []byte) {
	if c.numeric {
		matches := c.pattern.FindAllSubmatch(text, -1)
		if len(matches) == 0 {
			return
		}
		lastMatch := matches[len(matches)-1]
		v, err := strconv.ParseFloat(string(lastMatch[1]), 64)
		if err != nil {
			return
		}
		c.advance(v)
		return
	}
	if c.startMarker != "" && bytes.Contains(low, []byte(c.startMarker)) {
		c.advance(c.checkpoint)
	}
}

// advance only ever moves progress forward, clamped to 100.
func (c *Classifier) advance(v float64) {
	if v > 100 {
		v = 100
	}
	if v > c.progress {
		c.progress = v
	}
}

func (c *Classifier) failureCandidate(detail string) Candidate {
	return Candidate{
		Source:   SourceClassifier,
		Progress: c.progress,
		Message:  "analysis failed",
		Terminal: true,
		Err:      model.NewRunError(model.ErrRuntime, "%s", detail),
	}
}

func carryOver(text []byte) []byte {
	i := bytes.LastIndexByte(text, '\n')
	rest := text[i+1:]
	if len(rest) > maxCarry {
		rest = rest[len(rest)-maxCarry:]
	}
	return append([]byte(nil), rest...)
}

func lastLine(chunk []byte) string {
	lines := bytes.Split(bytes.TrimSpace(chunk), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(string(lines[i]))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}

func markerLine(text, low []byte, markers []string) string {
	for _, m := range markers {
		i := bytes.Index(low, []byte(m))
		if i < 0 {
			continue
		}
		start := bytes.LastIndexByte(text[:i], '\n') + 1
		end := bytes.IndexByte(text[i:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += i
		}
		return strings.TrimSpace(string(text[start:end]))
	}
	return ""
}

func containsAny(low []byte, markers []string) bool {
	for _, m := range markers {
		if bytes.Contains(low, []byte(m)) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mx  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = model.DefaultOutputTail
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return string(t.buf)
}
