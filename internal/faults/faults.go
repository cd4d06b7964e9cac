// Package faults defines the typed failures a transcode attempt can end with
// and how the dispatcher classifies them.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a failure class.
type Kind string

const (
	KindResource          Kind = "resource_error"
	KindSourceUnavailable Kind = "source_unavailable"
	KindNoAudioTrack      Kind = "no_audio_track"
	KindTranscodeFailed   Kind = "transcode_failed"
	KindPublishFailed     Kind = "publish_failed"
	KindStateUpdateFailed Kind = "state_update_failed"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt.
func (k Kind) Retryable() bool {
	return k == KindSourceUnavailable || k == KindPublishFailed
}

// Error is a classified pipeline failure. Variant is set for transcode
// failures.
type Error struct {
	Kind    Kind
	Variant string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := string(e.Kind)
	if e.Variant != "" {
		prefix = fmt.Sprintf("%s{%s}", e.Kind, e.Variant)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, faults.NoAudioTrack)
// works with the sentinel values below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Err == nil && other.Variant == "" && other.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ResourceError     = &Error{Kind: KindResource}
	SourceUnavailable = &Error{Kind: KindSourceUnavailable}
	NoAudioTrack      = &Error{Kind: KindNoAudioTrack}
	TranscodeFailed   = &Error{Kind: KindTranscodeFailed}
	PublishFailed     = &Error{Kind: KindPublishFailed}
	StateUpdateFailed = &Error{Kind: KindStateUpdateFailed}
	Cancelled         = &Error{Kind: KindCancelled}
)

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf formats a message and wraps it with the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Transcode wraps err as a transcode failure of one variant.
func Transcode(variant string, err error) *Error {
	return &Error{Kind: KindTranscodeFailed, Variant: variant, Err: err}
}

// KindOf classifies err. Context cancellation maps to KindCancelled and
// anything unclassified to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the dispatcher may reschedule after err.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// VariantOf returns the failing variant label for transcode failures.
func VariantOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Variant
	}
	return ""
}
