package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/faults"
)

// ProbeResult describes the parts of the source the encoder cares about.
type ProbeResult struct {
	HasAudio  bool
	Duration  time.Duration
	Width     int
	Height    int
	FrameRate float64
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects input with ffprobe. A source without an audio stream is a
// NoAudioTrack failure.
func (t *Transcoder) Probe(ctx context.Context, input string) (ProbeResult, error) {
	var stdout bytes.Buffer
	stderr := newLineLogger(t.logger.With("variant", probeVariant), "stderr")
	err := t.runner.Run(ctx, Command{
		Name:   t.ffprobe,
		Args:   []string{"-v", "error", "-print_format", "json", "-show_streams", "-show_format", input},
		Stdout: &stdout,
		Stderr: stderr,
	})
	stderr.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, faults.New(faults.KindCancelled, ctx.Err())
		}
		return ProbeResult{}, faults.Transcode(probeVariant, fmt.Errorf("ffprobe: %w: %s", err, stderr.Tail()))
	}

	result, err := parseProbe(stdout.Bytes())
	if err != nil {
		return ProbeResult{}, faults.Transcode(probeVariant, err)
	}
	if !result.HasAudio {
		return result, faults.Newf(faults.KindNoAudioTrack, "source %s has no audio stream", input)
	}
	return result, nil
}

func parseProbe(data []byte) (ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	var result ProbeResult
	sawVideo := false
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "audio":
			result.HasAudio = true
		case "video":
			if sawVideo {
				continue
			}
			sawVideo = true
			result.Width = stream.Width
			result.Height = stream.Height
			result.FrameRate = parseRate(stream.AvgFrameRate)
			if result.FrameRate == 0 {
				result.FrameRate = parseRate(stream.RFrameRate)
			}
		}
	}
	if !sawVideo {
		return ProbeResult{}, fmt.Errorf("source has no video stream")
	}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil && seconds > 0 {
		result.Duration = time.Duration(seconds * float64(time.Second))
	}
	return result, nil
}

// parseRate reads ffprobe's "num/den" rational form.
func parseRate(value string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(value), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}
