package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Tool is the external media engine: probing, sub-range extraction and
// concatenation. Every call is single-shot with no retries.
type Tool interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
	Trim(ctx context.Context, input string, start, duration float64, output string) error
	Concat(ctx context.Context, inputs []string, output string) error
}

// Config locates the ffmpeg binaries. Empty paths resolve through PATH.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Preset is the libx264 preset used for re-encoding.
	Preset string
	Logger *slog.Logger
}

const (
	defaultPreset   = "veryfast"
	stderrTailBytes = 4096
)

type runner func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error

func execRunner(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// FFmpeg implements Tool by shelling out to ffprobe and ffmpeg.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	preset      string
	logger      *slog.Logger
	run         runner
}

// NewFFmpeg builds an FFmpeg tool from cfg.
func NewFFmpeg(cfg Config) *FFmpeg {
	tool := &FFmpeg{
		ffmpegPath:  strings.TrimSpace(cfg.FFmpegPath),
		ffprobePath: strings.TrimSpace(cfg.FFprobePath),
		preset:      strings.TrimSpace(cfg.Preset),
		logger:      cfg.Logger,
		run:         execRunner,
	}
	if tool.ffmpegPath == "" {
		tool.ffmpegPath = "ffmpeg"
	}
	if tool.ffprobePath == "" {
		tool.ffprobePath = "ffprobe"
	}
	if tool.preset == "" {
		tool.preset = defaultPreset
	}
	if tool.logger == nil {
		tool.logger = slog.Default()
	}
	return tool
}

// Check verifies both binaries resolve.
func (f *FFmpeg) Check() error {
	for _, bin := range []string{f.ffmpegPath, f.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("locate %s: %w", bin, err)
		}
	}
	return nil
}

// ToolError carries the failing invocation and the tail of its stderr.
type ToolError struct {
	Tool   string
	Op     string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Tool, e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s %s: %v", e.Tool, e.Op, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Detail is the most useful single line for a client-facing message.
func (e *ToolError) Detail() string {
	if e.Stderr != "" {
		lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
		return strings.TrimSpace(lines[len(lines)-1])
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

func (f *FFmpeg) invoke(ctx context.Context, bin, op string, args []string, stdout io.Writer) error {
	stderr := &tailBuffer{limit: stderrTailBytes}
	if stdout == nil {
		stdout = io.Discard
	}
	f.logger.Debug("running media tool", "tool", bin, "op", op, "args", strings.Join(args, " "))
	if err := f.run(ctx, bin, args, stdout, stderr); err != nil {
		return &ToolError{Tool: bin, Op: op, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeResult, error) {
	var stdout bytes.Buffer
	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path}
	if err := f.invoke(ctx, f.ffprobePath, "probe", args, &stdout); err != nil {
		return ProbeResult{}, err
	}
	result, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return ProbeResult{}, &ToolError{Tool: f.ffprobePath, Op: "probe", Err: err}
	}
	if result.SizeBytes <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return ProbeResult{}, &ToolError{Tool: f.ffprobePath, Op: "probe", Err: fmt.Errorf("stat media file: %w", err)}
		}
		result.SizeBytes = info.Size()
	}
	return result, nil
}

func (f *FFmpeg) Trim(ctx context.Context, input string, start, duration float64, output string) error {
	if start < 0 || duration <= 0 {
		return &ToolError{Tool: f.ffmpegPath, Op: "trim", Err: fmt.Errorf("invalid range start=%v duration=%v", start, duration)}
	}
	return f.invoke(ctx, f.ffmpegPath, "trim", buildTrimArgs(input, start, duration, output, f.preset), nil)
}

func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) < 2 {
		return &ToolError{Tool: f.ffmpegPath, Op: "concat", Err: errors.New("at least two inputs are required")}
	}
	probes := make([]ProbeResult, 0, len(inputs))
	for _, input := range inputs {
		probe, err := f.Probe(ctx, input)
		if err != nil {
			return err
		}
		if !probe.HasVideo {
			return &ToolError{Tool: f.ffprobePath, Op: "concat", Err: fmt.Errorf("%s has no video stream", input)}
		}
		probes = append(probes, probe)
	}
	return f.invoke(ctx, f.ffmpegPath, "concat", buildConcatArgs(inputs, probes, output, f.preset), nil)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func encodeArgs(preset string) []string {
	return []string{
		"-c:v", "libx264", "-preset", preset, "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
	}
}

func buildTrimArgs(input string, start, duration float64, output, preset string) []string {
	args := []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", formatSeconds(start),
		"-i", input,
		"-t", formatSeconds(duration),
		"-map", "0:v:0", "-map", "0:a:0?",
	}
	args = append(args, encodeArgs(preset)...)
	return append(args, output)
}

// buildConcatArgs joins inputs with the concat filter. Every segment is
// scaled and padded to the first input's frame size. When at least one input
// carries audio, inputs without it get generated silence so segments stay
// aligned.
func buildConcatArgs(inputs []string, probes []ProbeResult, output, preset string) []string {
	args := []string{"-y", "-hide_banner", "-nostdin"}
	for _, input := range inputs {
		args = append(args, "-i", input)
	}

	withAudio := false
	for _, probe := range probes {
		if probe.HasAudio {
			withAudio = true
			break
		}
	}

	silenceIndex := make(map[int]int)
	if withAudio {
		next := len(inputs)
		for i, probe := range probes {
			if probe.HasAudio {
				continue
			}
			args = append(args, "-f", "lavfi", "-t", formatSeconds(probe.Duration), "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
			silenceIndex[i] = next
			next++
		}
	}

	width, height := probes[0].Width, probes[0].Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	// libx264 with yuv420p needs even dimensions.
	width -= width % 2
	height -= height % 2

	var filter strings.Builder
	for i := range inputs {
		fmt.Fprintf(&filter, "[%d:v:0]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1[v%d];", i, width, height, width, height, i)
	}
	for i := range inputs {
		fmt.Fprintf(&filter, "[v%d]", i)
		if withAudio {
			if idx, ok := silenceIndex[i]; ok {
				fmt.Fprintf(&filter, "[%d:a:0]", idx)
			} else {
				fmt.Fprintf(&filter, "[%d:a:0]", i)
			}
		}
	}
	audioOut := 0
	if withAudio {
		audioOut = 1
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=%d[outv]", len(inputs), audioOut)
	if withAudio {
		filter.WriteString("[outa]")
	}

	args = append(args, "-filter_complex", filter.String(), "-map", "[outv]")
	if withAudio {
		args = append(args, "-map", "[outa]")
	}
	args = append(args, encodeArgs(preset)...)
	return append(args, output)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
