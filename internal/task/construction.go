package task

import (
	"context"
	"fmt"
	"image"
	"io"
	"log"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/imagecodec"
	"mineland.ai/internal/protocol"
	"mineland.ai/internal/task/scoring"
)

const ConstructionCamera = "construction_camera"

const constructionGuidance = "this is creative mode, you can use any system instruction, such as /give oak_log, to give yourself some oak logs"

// construction scores the view from a fixed camera against a blueprint
// picture. Scores are relative to a baseline picture of the same site, so a
// build that looks as close to the blueprint as the baseline scores 1. It
// never finishes on its own.
type construction struct {
	spec      Spec
	log       *log.Logger
	blueprint image.Image
	baseImg   image.Image

	scorer   scoring.Scorer
	embedder scoring.Scorer

	baseline    float64
	embBaseline float64
	ready       bool
}

func newConstruction(ctx context.Context, spec Spec, deps Deps) (*construction, error) {
	if spec.Blueprint == "" || spec.Baseline == "" {
		return nil, fmt.Errorf("task %q: construction needs blueprint and baseline", spec.ID)
	}
	if spec.Goal == "" {
		spec.Goal = "build a construction like the picture"
	}
	if spec.Guidance == "" {
		spec.Guidance = constructionGuidance
	}
	t := &construction{spec: spec, log: deps.Logger}
	if t.log == nil {
		t.log = log.New(io.Discard, "", 0)
	}

	var err error
	if t.blueprint, err = imagecodec.LoadArtifact(spec.Blueprint, spec.BlueprintChecksum); err != nil {
		return nil, fmt.Errorf("task %q: blueprint: %w", spec.ID, err)
	}
	if t.baseImg, err = imagecodec.LoadArtifact(spec.Baseline, spec.BaselineChecksum); err != nil {
		return nil, fmt.Errorf("task %q: baseline: %w", spec.ID, err)
	}
	if t.scorer, err = scoring.Resolve(ctx, spec.Scorer, deps.Scoring); err != nil {
		return nil, err
	}
	if spec.Embedding && t.scorer.Name() != scoring.BackendEmbedding {
		if t.embedder, err = scoring.Resolve(ctx, scoring.BackendEmbedding, deps.Scoring); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *construction) ID() string { return t.spec.ID }
func (t *construction) Kind() Kind { return KindConstruction }

func (t *construction) reference(s scoring.Scorer) scoring.Reference {
	if s.Name() == scoring.BackendEmbedding {
		return scoring.Reference{Text: t.spec.Goal}
	}
	return scoring.Reference{Image: t.blueprint}
}

func (t *construction) OnReset(ctx context.Context, env Env, obs []*protocol.Observation) ([]*protocol.Observation, error) {
	if err := env.AddCamera(ctx, ConstructionCamera); err != nil {
		return nil, err
	}
	if t.ready {
		return obs, nil
	}
	b, err := t.scorer.Score(ctx, t.baseImg, t.reference(t.scorer))
	if err != nil {
		return nil, fmt.Errorf("task %q: baseline score: %w", t.spec.ID, err)
	}
	if b == 0 {
		return nil, fmt.Errorf("task %q: baseline score is zero", t.spec.ID)
	}
	t.baseline = b
	if t.embedder != nil {
		eb, err := t.embedder.Score(ctx, t.baseImg, t.reference(t.embedder))
		if err != nil {
			return nil, fmt.Errorf("task %q: embedding baseline: %w", t.spec.ID, err)
		}
		if eb == 0 {
			return nil, fmt.Errorf("task %q: embedding baseline score is zero", t.spec.ID)
		}
		t.embBaseline = eb
	}
	t.ready = true
	t.log.Printf("task=%s baseline=%.4f scorer=%s", t.spec.ID, t.baseline, t.scorer.Name())
	return obs, nil
}

// Score measures the current camera view against the blueprint.
func (t *construction) Score(ctx context.Context, env Env) (float64, map[string]float64, error) {
	if !t.ready {
		return 0, nil, fmt.Errorf("task %q: not reset", t.spec.ID)
	}
	view, err := env.CameraView(ctx, ConstructionCamera)
	if err != nil {
		return 0, nil, err
	}
	w, h := env.ImageSize()
	img, err := imagecodec.DecodeRGB(view, w, h)
	if err != nil {
		return 0, nil, fmt.Errorf("task %q: camera view: %w", t.spec.ID, err)
	}
	live, err := t.scorer.Score(ctx, img, t.reference(t.scorer))
	if err != nil {
		return 0, nil, err
	}
	var extras map[string]float64
	if t.embedder != nil {
		e, err := t.embedder.Score(ctx, img, t.reference(t.embedder))
		if err != nil {
			return 0, nil, err
		}
		extras = map[string]float64{"embedding_score": e / t.embBaseline}
	}
	return live / t.baseline, extras, nil
}

func (t *construction) OnStep(ctx context.Context, env Env, raw bridge.StepResult) (Outcome, error) {
	st := base(t.spec)
	score, extras, err := t.Score(ctx, env)
	out := Outcome{StepResult: raw, Status: st}
	if err != nil {
		return out, err
	}
	out.Status.Score = score
	out.Status.Extras = extras
	return out, nil
}
