package scoring

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"mineland.ai/internal/imagecodec"
)

// Embedding asks a remote image/text embedding service how well a frame
// matches ref.Text.
type Embedding struct {
	base    string
	hc      *http.Client
	timeout time.Duration
	digest  string
}

type healthResp struct {
	OK          bool   `json:"ok"`
	ModelDigest string `json:"model_digest"`
}

type scoreReq struct {
	ImagePNGB64 string `json:"image_png_b64"`
	Prompt      string `json:"prompt"`
}

type scoreResp struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

// NewEmbedding probes the service and checks its model digest.
func NewEmbedding(ctx context.Context, cfg Config) (*Embedding, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.EmbeddingURL), "/")
	if base == "" {
		return nil, &ScoringBackendUnavailable{Backend: BackendEmbedding, Reason: "no service url configured"}
	}
	e := &Embedding{base: base, hc: cfg.HTTPClient, timeout: cfg.Timeout}
	if e.hc == nil {
		e.hc = &http.Client{}
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	digest, err := e.probe(ctx)
	if err != nil {
		return nil, &ScoringBackendUnavailable{Backend: BackendEmbedding, Reason: err.Error(), Err: err}
	}
	if want := strings.TrimSpace(cfg.ModelDigest); want != "" && !strings.EqualFold(want, digest) {
		return nil, &ScoringBackendUnavailable{
			Backend: BackendEmbedding,
			Reason:  fmt.Sprintf("model digest %q, want %q", digest, want),
		}
	}
	e.digest = digest
	return e, nil
}

func (e *Embedding) Name() string { return BackendEmbedding }

func (e *Embedding) ModelDigest() string { return e.digest }

func (e *Embedding) probe(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/healthz", nil)
	if err != nil {
		return "", err
	}
	res, err := e.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("healthz status %d", res.StatusCode)
	}
	var h healthResp
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&h); err != nil {
		return "", fmt.Errorf("healthz: %w", err)
	}
	return h.ModelDigest, nil
}

func (e *Embedding) Score(ctx context.Context, live image.Image, ref Reference) (float64, error) {
	if live == nil {
		return 0, fmt.Errorf("embedding: missing image")
	}
	if strings.TrimSpace(ref.Text) == "" {
		return 0, fmt.Errorf("embedding: empty prompt")
	}
	pngb, err := imagecodec.EncodePNG(live)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(scoreReq{ImagePNGB64: base64.StdEncoding.EncodeToString(pngb), Prompt: ref.Text})

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")
	res, err := e.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("embedding: %w", err)
	}
	defer res.Body.Close()
	var out scoreResp
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return 0, fmt.Errorf("embedding: decode status %d: %w", res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("embedding: status %d: %s", res.StatusCode, out.Error)
	}
	return out.Score, nil
}
