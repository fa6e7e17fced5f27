package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoDuration reports ffprobe output without a usable container duration.
var ErrNoDuration = errors.New("media duration unavailable")

// ProbeResult describes the current on-disk state of a media file.
type ProbeResult struct {
	Duration   float64
	SizeBytes  int64
	FormatName string
	Width      int
	Height     int
	HasVideo   bool
	HasAudio   bool
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// parseProbeOutput decodes `ffprobe -print_format json -show_format
// -show_streams` output. The container duration wins; the longest stream
// duration is the fallback for containers that omit it.
func parseProbeOutput(data []byte) (ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	result := ProbeResult{FormatName: out.Format.FormatName}
	duration, ok := parseSeconds(out.Format.Duration)
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if !result.HasVideo {
				result.Width = stream.Width
				result.Height = stream.Height
			}
			result.HasVideo = true
		case "audio":
			result.HasAudio = true
		}
		if !ok {
			if streamDuration, streamOK := parseSeconds(stream.Duration); streamOK && streamDuration > duration {
				duration = streamDuration
			}
		}
	}
	if duration <= 0 {
		return ProbeResult{}, ErrNoDuration
	}
	result.Duration = duration

	if size := strings.TrimSpace(out.Format.Size); size != "" {
		parsed, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("parse ffprobe size %q: %w", size, err)
		}
		result.SizeBytes = parsed
	}
	return result, nil
}

func parseSeconds(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" || value == "N/A" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0, false
	}
	return seconds, true
}
