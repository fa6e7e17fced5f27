// Package mediastub provides an in-memory media.Tool for tests. Files are
// real files on disk; their durations live in the stub.
package mediastub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"vidvault/internal/media"
)

// Call records one Trim or Concat invocation.
type Call struct {
	Op       string
	Inputs   []string
	Output   string
	Start    float64
	Duration float64
}

type Tool struct {
	mu        sync.Mutex
	durations map[string]float64
	suffixes  map[string]float64
	probeErrs map[string]error
	calls     []Call

	// TrimErr and ConcatErr make the matching operation fail after writing a
	// partial output file.
	TrimErr   error
	ConcatErr error
	// OnTrim runs before a trim completes; tests use it to interleave work.
	OnTrim func()
}

func New() *Tool {
	return &Tool{
		durations: make(map[string]float64),
		suffixes:  make(map[string]float64),
		probeErrs: make(map[string]error),
	}
}

// WriteFile creates path with size bytes and registers its duration.
func (t *Tool) WriteFile(path string, seconds float64, size int) error {
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		return err
	}
	t.SetDuration(path, seconds)
	return nil
}

func (t *Tool) SetDuration(path string, seconds float64) {
	t.mu.Lock()
	t.durations[path] = seconds
	t.mu.Unlock()
}

// SetSuffixDuration registers a duration for every file whose path ends in
// suffix and has no exact entry. Uploads get a generated prefix, so tests
// register them by original name.
func (t *Tool) SetSuffixDuration(suffix string, seconds float64) {
	t.mu.Lock()
	t.suffixes[suffix] = seconds
	t.mu.Unlock()
}

func (t *Tool) lookup(path string) (float64, bool) {
	if d, ok := t.durations[path]; ok {
		return d, true
	}
	for suffix, d := range t.suffixes {
		if strings.HasSuffix(path, suffix) {
			return d, true
		}
	}
	return 0, false
}

// FailProbe makes Probe(path) return err.
func (t *Tool) FailProbe(path string, err error) {
	t.mu.Lock()
	t.probeErrs[path] = err
	t.mu.Unlock()
}

func (t *Tool) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *Tool) Probe(_ context.Context, path string) (media.ProbeResult, error) {
	t.mu.Lock()
	probeErr := t.probeErrs[path]
	duration, known := t.lookup(path)
	t.mu.Unlock()

	if probeErr != nil {
		return media.ProbeResult{}, &media.ToolError{Tool: "ffprobe", Op: "probe", Stderr: probeErr.Error(), Err: probeErr}
	}
	info, err := os.Stat(path)
	if err != nil {
		return media.ProbeResult{}, &media.ToolError{Tool: "ffprobe", Op: "probe", Stderr: path + ": No such file or directory", Err: err}
	}
	if !known {
		return media.ProbeResult{}, &media.ToolError{Tool: "ffprobe", Op: "probe", Err: media.ErrNoDuration}
	}
	return media.ProbeResult{
		Duration:   duration,
		SizeBytes:  info.Size(),
		FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
		Width:      640,
		Height:     360,
		HasVideo:   true,
		HasAudio:   true,
	}, nil
}

func (t *Tool) Trim(_ context.Context, input string, start, duration float64, output string) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: "trim", Inputs: []string{input}, Output: output, Start: start, Duration: duration})
	source, known := t.lookup(input)
	trimErr := t.TrimErr
	hook := t.OnTrim
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if trimErr != nil {
		_ = os.WriteFile(output, []byte("partial"), 0o644)
		return &media.ToolError{Tool: "ffmpeg", Op: "trim", Stderr: trimErr.Error(), Err: trimErr}
	}
	if _, err := os.Stat(input); err != nil || !known {
		return &media.ToolError{Tool: "ffmpeg", Op: "trim", Stderr: input + ": No such file or directory", Err: errors.New("exit status 1")}
	}
	// Like ffmpeg, a range past the end yields only what exists.
	produced := math.Min(duration, source-start)
	if produced <= 0 {
		return &media.ToolError{Tool: "ffmpeg", Op: "trim", Stderr: "Output file is empty, nothing was encoded", Err: errors.New("exit status 1")}
	}
	return t.WriteFile(output, produced, int(produced*1000))
}

func (t *Tool) Concat(_ context.Context, inputs []string, output string) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: "concat", Inputs: append([]string(nil), inputs...), Output: output})
	concatErr := t.ConcatErr
	total := 0.0
	var missing string
	for _, input := range inputs {
		d, ok := t.lookup(input)
		if !ok {
			missing = input
		}
		total += d
	}
	t.mu.Unlock()

	if concatErr != nil {
		_ = os.WriteFile(output, []byte("partial"), 0o644)
		return &media.ToolError{Tool: "ffmpeg", Op: "concat", Stderr: concatErr.Error(), Err: concatErr}
	}
	for _, input := range inputs {
		if _, err := os.Stat(input); err != nil {
			missing = input
		}
	}
	if missing != "" {
		return &media.ToolError{Tool: "ffmpeg", Op: "concat", Stderr: fmt.Sprintf("%s: No such file or directory", missing), Err: errors.New("exit status 1")}
	}
	return t.WriteFile(output, total, int(total*1000))
}

var _ media.Tool = (*Tool)(nil)
