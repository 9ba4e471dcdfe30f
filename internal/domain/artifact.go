package domain

import (
	"errors"
	"time"
)

type ArtifactKind string

const (
	ArtifactKindScreenshot ArtifactKind = "screenshot"
	ArtifactKindVideo      ArtifactKind = "video"
	ArtifactKindLog        ArtifactKind = "log"
	ArtifactKindTrace      ArtifactKind = "trace"
)

var ErrEmptyArtifactPath = errors.New("artifact path must not be empty")

// Artifact is evidence produced by one test attempt. Immutable once
// attached to a checkpoint.
type Artifact struct {
	Kind ArtifactKind
	Path string

	// Duration is the captured execution time for this attempt, when the
	// artifact carries one (log artifacts written by the executor do).
	Duration time.Duration

	CapturedAt time.Time
}

// NewArtifact validates and builds an artifact.
func NewArtifact(kind ArtifactKind, path string, capturedAt time.Time) (Artifact, error) {
	if path == "" {
		return Artifact{}, ErrEmptyArtifactPath
	}
	return Artifact{Kind: kind, Path: path, CapturedAt: capturedAt}, nil
}
