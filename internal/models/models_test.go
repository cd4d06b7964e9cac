package models

import (
	"testing"
	"time"
)

func TestParseLadderKeepsDeclaredOrder(t *testing.T) {
	ladder, err := ParseLadder("720p:1280x720@2500/128, 360p:640x360@800k/96k")
	if err != nil {
		t.Fatalf("ParseLadder: %v", err)
	}
	if len(ladder) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(ladder))
	}
	want := QualityVariant{Label: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2500, AudioBitrateKbps: 128}
	if ladder[0] != want {
		t.Fatalf("unexpected first variant: %+v", ladder[0])
	}
	if ladder[1].Label != "360p" || ladder[1].VideoBitrateKbps != 800 || ladder[1].AudioBitrateKbps != 96 {
		t.Fatalf("unexpected second variant: %+v", ladder[1])
	}
	if got := FormatLadder(ladder); got != "720p:1280x720@2500/128,360p:640x360@800/96" {
		t.Fatalf("unexpected formatted ladder %q", got)
	}
}

func TestParseLadderRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"missing size":    "720p@2500/128",
		"missing audio":   "720p:1280x720@2500",
		"odd dimension":   "720p:1281x720@2500/128",
		"bad number":      "720p:1280xabc@2500/128",
		"duplicate label": "720p:1280x720@2500/128,720p:640x360@800/96",
		"nested label":    "a/b:1280x720@2500/128",
		"empty":           " , ",
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseLadder(spec); err == nil {
				t.Fatalf("expected error for %q", spec)
			}
		})
	}
}

func TestDefaultLadderIsValidAndDescending(t *testing.T) {
	ladder := DefaultLadder()
	if err := ValidateLadder(ladder); err != nil {
		t.Fatalf("default ladder invalid: %v", err)
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i].TotalKbps() >= ladder[i-1].TotalKbps() {
			t.Fatalf("default ladder not descending at %s", ladder[i].Label)
		}
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	policy := BackoffPolicy{Base: 2 * time.Second}
	expected := []time.Duration{2 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, want := range expected {
		if got := policy.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
	if got := (BackoffPolicy{}).Delay(1); got != DefaultBackoffBase {
		t.Fatalf("expected default base, got %s", got)
	}
}

func TestJobExhaustedAndWorkspaceName(t *testing.T) {
	job := TranscodeJob{ID: "job", MaxAttempts: 3, Attempt: 2}
	if job.Exhausted() {
		t.Fatal("attempt 2 of 3 should not be exhausted")
	}
	job.Attempt = 3
	if !job.Exhausted() {
		t.Fatal("attempt 3 of 3 should be exhausted")
	}
	if got := job.WorkspaceName(); got != "job-a3" {
		t.Fatalf("unexpected workspace name %q", got)
	}
}

func TestAssetConsistent(t *testing.T) {
	url := "https://cdn.example.com/hls/video/1/master.m3u8"
	cases := []struct {
		asset Asset
		want  bool
	}{
		{Asset{Status: AssetStatusCompleted, ManifestURL: &url}, true},
		{Asset{Status: AssetStatusCompleted}, false},
		{Asset{Status: AssetStatusFailed}, true},
		{Asset{Status: AssetStatusFailed, ManifestURL: &url}, false},
		{Asset{Status: AssetStatusPending}, true},
	}
	for _, tc := range cases {
		if got := tc.asset.Consistent(); got != tc.want {
			t.Fatalf("status %s manifest %v: expected %v", tc.asset.Status, tc.asset.ManifestURL != nil, tc.want)
		}
	}
}
