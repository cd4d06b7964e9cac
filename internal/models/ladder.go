package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// QualityVariant is one rung of the quality ladder.
type QualityVariant struct {
	Label            string `json:"label"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"videoBitrateKbps"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
}

// Resolution renders the variant size as WIDTHxHEIGHT.
func (v QualityVariant) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// TotalKbps is the combined nominal video and audio bitrate.
func (v QualityVariant) TotalKbps() int {
	return v.VideoBitrateKbps + v.AudioBitrateKbps
}

// Validate checks that the variant can be encoded.
func (v QualityVariant) Validate() error {
	if strings.TrimSpace(v.Label) == "" {
		return errors.New("variant label is required")
	}
	if strings.ContainsAny(v.Label, "/\\ ") || v.Label == "." || v.Label == ".." {
		return fmt.Errorf("variant label %q must be a single path segment", v.Label)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("variant %s: resolution must be positive", v.Label)
	}
	if v.Width%2 != 0 || v.Height%2 != 0 {
		return fmt.Errorf("variant %s: resolution %s must use even dimensions", v.Label, v.Resolution())
	}
	if v.VideoBitrateKbps <= 0 {
		return fmt.Errorf("variant %s: video bitrate must be positive", v.Label)
	}
	if v.AudioBitrateKbps <= 0 {
		return fmt.Errorf("variant %s: audio bitrate must be positive", v.Label)
	}
	return nil
}

// DefaultLadder is applied when no ladder is configured.
func DefaultLadder() []QualityVariant {
	return []QualityVariant{
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128},
		{Label: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1400, AudioBitrateKbps: 128},
		{Label: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96},
	}
}

// ValidateLadder checks every variant and rejects duplicate labels.
func ValidateLadder(ladder []QualityVariant) error {
	if len(ladder) == 0 {
		return errors.New("quality ladder is empty")
	}
	seen := make(map[string]struct{}, len(ladder))
	for _, variant := range ladder {
		if err := variant.Validate(); err != nil {
			return err
		}
		if _, dup := seen[variant.Label]; dup {
			return fmt.Errorf("duplicate variant label %q", variant.Label)
		}
		seen[variant.Label] = struct{}{}
	}
	return nil
}

// ParseLadder parses a comma separated list of variants written as
// label:WIDTHxHEIGHT@VIDEOKBPS/AUDIOKBPS, for example
// "720p:1280x720@2500/128,360p:640x360@800/96". The declared order is kept.
func ParseLadder(spec string) ([]QualityVariant, error) {
	entries := strings.Split(spec, ",")
	results := make([]QualityVariant, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		variant, err := ParseVariant(trimmed)
		if err != nil {
			return nil, err
		}
		results = append(results, variant)
	}
	if err := ValidateLadder(results); err != nil {
		return nil, err
	}
	return results, nil
}

// ParseVariant parses a single label:WIDTHxHEIGHT@VIDEOKBPS/AUDIOKBPS entry.
func ParseVariant(entry string) (QualityVariant, error) {
	label, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return QualityVariant{}, fmt.Errorf("invalid variant spec %q", entry)
	}
	size, rates, ok := strings.Cut(rest, "@")
	if !ok {
		return QualityVariant{}, fmt.Errorf("invalid variant spec %q: missing bitrate", entry)
	}
	width, height, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return QualityVariant{}, fmt.Errorf("invalid variant spec %q: missing resolution", entry)
	}
	video, audio, ok := strings.Cut(rates, "/")
	if !ok {
		return QualityVariant{}, fmt.Errorf("invalid variant spec %q: missing audio bitrate", entry)
	}

	values := make([]int, 0, 4)
	for _, raw := range []string{width, height, strings.TrimSuffix(video, "k"), strings.TrimSuffix(audio, "k")} {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return QualityVariant{}, fmt.Errorf("invalid number in variant spec %q: %w", entry, err)
		}
		values = append(values, value)
	}

	variant := QualityVariant{
		Label:            strings.TrimSpace(label),
		Width:            values[0],
		Height:           values[1],
		VideoBitrateKbps: values[2],
		AudioBitrateKbps: values[3],
	}
	if err := variant.Validate(); err != nil {
		return QualityVariant{}, err
	}
	return variant, nil
}

// FormatLadder renders a ladder in the form accepted by ParseLadder.
func FormatLadder(ladder []QualityVariant) string {
	parts := make([]string, 0, len(ladder))
	for _, v := range ladder {
		parts = append(parts, fmt.Sprintf("%s:%dx%d@%d/%d", v.Label, v.Width, v.Height, v.VideoBitrateKbps, v.AudioBitrateKbps))
	}
	return strings.Join(parts, ",")
}
