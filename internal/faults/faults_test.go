package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestOnlySourceAndPublishFailuresRetry(t *testing.T) {
	cases := map[Kind]bool{
		KindResource:          false,
		KindSourceUnavailable: true,
		KindNoAudioTrack:      false,
		KindTranscodeFailed:   false,
		KindPublishFailed:     true,
		KindStateUpdateFailed: false,
		KindCancelled:         false,
		KindInternal:          false,
	}
	for kind, want := range cases {
		if got := New(kind, io.EOF); Retryable(got) != want {
			t.Fatalf("%s: expected retryable=%v", kind, want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", Transcode("720p", errors.New("exit status 1")))
	if KindOf(err) != KindTranscodeFailed {
		t.Fatalf("expected transcode kind, got %s", KindOf(err))
	}
	if VariantOf(err) != "720p" {
		t.Fatalf("expected variant 720p, got %q", VariantOf(err))
	}
	if !errors.Is(err, TranscodeFailed) {
		t.Fatal("expected errors.Is to match the sentinel")
	}
	if errors.Is(err, PublishFailed) {
		t.Fatal("unexpected match against a different kind")
	}
	if got := err.Error(); got != "attempt 2: transcode_failed{720p}: exit status 1" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatal("nil error should have no kind")
	}
	if KindOf(context.Canceled) != KindCancelled {
		t.Fatal("context cancellation should classify as cancelled")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("plain errors should classify as internal")
	}
	wrapped := New(KindPublishFailed, io.ErrUnexpectedEOF)
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatal("expected the cause to stay reachable")
	}
}
