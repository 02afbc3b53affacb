package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestHistogram(t *testing.T) {
	red := solid(8, 8, color.RGBA{255, 0, 0, 255})
	blue := solid(8, 8, color.RGBA{0, 0, 255, 255})
	half := solid(8, 8, color.RGBA{255, 0, 0, 255})
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			half.SetRGBA(x, y, color.RGBA{0, 0, 255, 255})
		}
	}
	ctx := context.Background()
	h := Histogram{}

	cases := []struct {
		name string
		a, b image.Image
		want float64
	}{
		{"same", red, red, 1},
		{"disjoint", red, blue, 0},
		{"half", half, red, 0.5},
	}
	for _, tc := range cases {
		got, err := h.Score(ctx, tc.a, Reference{Image: tc.b})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
	if _, err := h.Score(ctx, red, Reference{}); err == nil {
		t.Fatalf("expected error without reference image")
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve(context.Background(), "orb", Config{})
	var ue *ScoringBackendUnavailable
	if !errors.As(err, &ue) || ue.Backend != "orb" {
		t.Fatalf("expected ScoringBackendUnavailable, got %v", err)
	}
	s, err := Resolve(context.Background(), "", Config{})
	if err != nil || s.Name() != BackendHistogram {
		t.Fatalf("default backend: %v %v", s, err)
	}
}

func embeddingServer(t *testing.T, digest string, score float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "model_digest": digest})
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		var req scoreReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImagePNGB64 == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad request"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"score": score})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedding(t *testing.T) {
	srv := embeddingServer(t, "d97a07f2", 0.42)
	ctx := context.Background()

	s, err := Resolve(ctx, BackendEmbedding, Config{EmbeddingURL: srv.URL, ModelDigest: "D97A07F2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := s.Score(ctx, solid(4, 4, color.RGBA{A: 255}), Reference{Text: "a house"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != 0.42 {
		t.Fatalf("score: %v", got)
	}
	if _, err := s.Score(ctx, solid(4, 4, color.RGBA{A: 255}), Reference{}); err == nil {
		t.Fatalf("expected empty prompt error")
	}
}

func TestEmbeddingUnavailable(t *testing.T) {
	srv := embeddingServer(t, "abc", 1)
	ctx := context.Background()
	var ue *ScoringBackendUnavailable

	if _, err := Resolve(ctx, BackendEmbedding, Config{}); !errors.As(err, &ue) {
		t.Fatalf("no url: %v", err)
	}
	if _, err := Resolve(ctx, BackendEmbedding, Config{EmbeddingURL: srv.URL, ModelDigest: "other"}); !errors.As(err, &ue) {
		t.Fatalf("digest mismatch: %v", err)
	}
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	if _, err := Resolve(ctx, BackendEmbedding, Config{EmbeddingURL: dead.URL}); !errors.As(err, &ue) {
		t.Fatalf("unreachable: %v", err)
	}
}
