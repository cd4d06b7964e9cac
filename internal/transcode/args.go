package transcode

import (
	"fmt"
	"math"
	"strconv"

	"vodforge/internal/hls"
	"vodforge/internal/models"
)

const (
	defaultSegmentSeconds = 6
	defaultFrameRate      = 30
	defaultPreset         = "veryfast"
	audioSampleRate       = 48000
)

// Options tunes encoder arguments that do not come from the variant.
type Options struct {
	SegmentSeconds int
	FrameRate      float64
	Preset         string
}

func (o Options) withDefaults() Options {
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = defaultSegmentSeconds
	}
	if o.FrameRate <= 0 || math.IsInf(o.FrameRate, 0) || math.IsNaN(o.FrameRate) {
		o.FrameRate = defaultFrameRate
	}
	if o.Preset == "" {
		o.Preset = defaultPreset
	}
	return o
}

// GOPSize is the keyframe interval in frames, one GOP per segment.
func (o Options) GOPSize() int {
	o = o.withDefaults()
	gop := int(math.Round(o.FrameRate * float64(o.SegmentSeconds)))
	if gop < 1 {
		gop = 1
	}
	return gop
}

// BuildArgs returns the ffmpeg arguments that encode input into one HLS
// variant. Output paths are relative, so the command must run inside the
// variant directory.
func BuildArgs(input string, variant models.QualityVariant, opts Options) []string {
	opts = opts.withDefaults()
	gop := strconv.Itoa(opts.GOPSize())
	w, h := variant.Width, variant.Height
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		w, h, w, h,
	)
	video := variant.VideoBitrateKbps

	return []string{
		"-hide_banner", "-nostdin", "-nostats", "-y",
		"-loglevel", "warning",
		"-i", input,
		"-map", "0:v:0", "-map", "0:a:0",
		"-map_metadata", "-1",
		"-vf", filter,
		"-c:v", "libx264",
		"-profile:v", "high", "-level:v", "4.0",
		"-preset", opts.Preset,
		"-pix_fmt", "yuv420p",
		"-b:v", kbps(video),
		"-maxrate", kbps(video * 107 / 100),
		"-bufsize", kbps(video * 3 / 2),
		"-g", gop, "-keyint_min", gop,
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", opts.SegmentSeconds),
		"-flags:v", "+cgop+bitexact",
		"-c:a", "aac",
		"-b:a", kbps(variant.AudioBitrateKbps),
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", "2",
		"-flags:a", "+bitexact",
		"-fflags", "+bitexact",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", hls.SegmentPattern,
		hls.PlaylistName,
	}
}

func kbps(value int) string {
	return strconv.Itoa(value) + "k"
}
