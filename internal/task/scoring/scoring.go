// Package scoring measures how close a camera frame is to a reference.
package scoring

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"mineland.ai/internal/protocol"
)

// Reference is what a frame is scored against. Image-based backends use
// Image, text-conditioned ones use Text.
type Reference struct {
	Image image.Image
	Text  string
}

type Scorer interface {
	Name() string
	Score(ctx context.Context, live image.Image, ref Reference) (float64, error)
}

const (
	BackendHistogram = "histogram"
	BackendEmbedding = "embedding"
)

type Config struct {
	// EmbeddingURL is the base URL of the embedding scoring service.
	EmbeddingURL string
	// ModelDigest, when set, must equal the digest the service reports.
	ModelDigest string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ScoringBackendUnavailable is returned at task construction when a scoring
// backend the task needs is unknown, unconfigured or unreachable.
type ScoringBackendUnavailable struct {
	Backend string
	Reason  string
	Err     error
}

func (e *ScoringBackendUnavailable) Error() string {
	return fmt.Sprintf("scoring backend %q unavailable: %s", e.Backend, e.Reason)
}

func (e *ScoringBackendUnavailable) Unwrap() error { return e.Err }

func (e *ScoringBackendUnavailable) Code() string { return protocol.ErrScoringUnavailable }

// Resolve returns a ready scorer. Remote backends are probed here so a
// missing service fails before the first step.
func Resolve(ctx context.Context, name string, cfg Config) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendHistogram:
		return Histogram{}, nil
	case BackendEmbedding:
		return NewEmbedding(ctx, cfg)
	default:
		return nil, &ScoringBackendUnavailable{Backend: name, Reason: "unknown backend"}
	}
}
