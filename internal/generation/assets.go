package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuongbtq/gamegen-queue/internal/artifacts"
	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const renderWeight = 80

const assetStyleHint = "Game sprite, transparent background, crisp edges, consistent lighting."

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// errRenderCancelled stops the render fan-out when a cancel is observed
var errRenderCancelled = errors.New("render cancelled")

type plannedAsset struct {
	Name   string `json:"name"`
	Key    string `json:"key"`
	Prompt string `json:"-"`
}

type renderedAsset struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	MimeType string `json:"mime_type"`
	Bytes    sized  `json:"image"`
}

func assetBatch(d Deps) pipeline.Definition {
	return pipeline.Definition{
		Kind:     domain.KindAssetBatch,
		Validate: validateAssetBatch,
		Stages: []pipeline.Stage{
			{Name: "plan", Weight: 10, Executor: pipeline.ExecutorFunc(d.planAssets)},
			{Name: "render", Weight: renderWeight, Timeout: d.stageBudget(maxAssets, d.RenderConcurrency), Executor: pipeline.ExecutorFunc(d.renderAssets)},
			{Name: "store", Weight: 10, Executor: pipeline.ExecutorFunc(d.storeAssets)},
		},
	}
}

func (d Deps) planAssets(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	var p AssetBatchPayload
	if err := sc.DecodePayload(&p); err != nil {
		return pipeline.Fail(err)
	}

	plan := make([]plannedAsset, 0, len(p.Assets))
	for i, a := range p.Assets {
		slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(a.Name), "-"), "-")
		if slug == "" {
			slug = fmt.Sprintf("asset-%d", i+1)
		}
		plan = append(plan, plannedAsset{
			Name:   strings.TrimSpace(a.Name),
			Key:    fmt.Sprintf("assets/%02d-%s.png", i+1, slug),
			Prompt: strings.TrimSpace(a.Prompt) + "\n" + assetStyleHint,
		})
	}

	sc.SetArtifact("game_id", p.GameID)
	sc.SetArtifact("plan", plan)
	return pipeline.Done(fmt.Sprintf("planned %d assets", len(plan)))
}

// renderAssets generates every planned image with bounded parallelism and
// reports progress as each one finishes
func (d Deps) renderAssets(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	v, ok := sc.Artifact("plan")
	if !ok {
		return pipeline.Fail(errors.New("asset plan missing"))
	}
	plan := v.([]plannedAsset)

	step := renderWeight / len(plan)
	if step < 1 {
		step = 1
	}

	rendered := make([]renderedAsset, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.RenderConcurrency)

	for i, asset := range plan {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if sc.CancelRequested(gctx) {
				return errRenderCancelled
			}

			callCtx, cancel := d.callContext(gctx)
			img, err := d.Provider.GenerateImage(callCtx, asset.Prompt)
			cancel()
			if err != nil {
				return fmt.Errorf("render %s: %w", asset.Name, err)
			}
			rendered[i] = renderedAsset{
				Name:     asset.Name,
				Key:      asset.Key,
				MimeType: img.MimeType,
				Bytes:    sized(img.Bytes),
			}
			report(ctx, sc, step, fmt.Sprintf("rendered %s", asset.Name))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errRenderCancelled) {
			return pipeline.Cancelled()
		}
		return pipeline.Fail(err)
	}

	sc.SetArtifact("rendered", rendered)
	return pipeline.Done(fmt.Sprintf("rendered %d assets", len(rendered)))
}

func (d Deps) storeAssets(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	v, ok := sc.Artifact("rendered")
	if !ok {
		return pipeline.Fail(errors.New("rendered assets missing"))
	}
	rendered := v.([]renderedAsset)

	uris := make(map[string]string, len(rendered))
	for _, a := range rendered {
		contentType := a.MimeType
		if contentType == "" {
			contentType = artifacts.ContentTypeForKey(a.Key)
		}
		uri, err := d.Artifacts.Put(ctx, artifacts.JobKey(sc.JobID(), a.Key), a.Bytes, contentType)
		if err != nil {
			return pipeline.Fail(fmt.Errorf("store %s: %w", a.Name, err))
		}
		uris[a.Name] = uri
	}

	sc.SetArtifact("asset_uris", uris)
	return pipeline.Done(fmt.Sprintf("stored %d assets", len(uris)))
}
