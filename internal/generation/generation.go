package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/artifacts"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/platform/aiclient"
)

// DefaultRenderConcurrency bounds parallel image calls inside one asset batch
const DefaultRenderConcurrency = 4

// Provider is the AI backend the stages call. aiclient.Client implements it.
type Provider interface {
	GenerateText(ctx context.Context, system, user string) (string, error)
	GenerateImage(ctx context.Context, prompt string) (aiclient.Image, error)
}

// Deps are the collaborators shared by every pipeline
type Deps struct {
	Provider  Provider
	Artifacts artifacts.Store
	// RenderConcurrency limits concurrent image generations per job
	RenderConcurrency int
	// ProviderTimeout bounds each provider call. Stages that call the provider
	// get a budget sized from it; 0 uses the runner default.
	ProviderTimeout time.Duration
}

// Register adds the game_generation, asset_batch and test_suite pipelines
func Register(reg *pipeline.Registry, deps Deps) error {
	if deps.Provider == nil {
		return fmt.Errorf("generation provider is required")
	}
	if deps.Artifacts == nil {
		return fmt.Errorf("artifact store is required")
	}
	if deps.RenderConcurrency <= 0 {
		deps.RenderConcurrency = DefaultRenderConcurrency
	}

	defs := []pipeline.Definition{
		gameGeneration(deps),
		assetBatch(deps),
		testSuite(deps),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// sized is an artifact whose content stays out of the job result; only its
// size is reported
type sized []byte

func (s sized) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"bytes":%d}`, len(s))), nil
}

// callContext bounds a single provider call
func (d Deps) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.ProviderTimeout)
}

// stageBudget is the timeout of a stage making up to calls provider calls,
// at most concurrency at a time
func (d Deps) stageBudget(calls, concurrency int) time.Duration {
	if d.ProviderTimeout <= 0 {
		return 0
	}
	if concurrency < 1 {
		concurrency = 1
	}
	rounds := (calls + concurrency - 1) / concurrency
	return d.ProviderTimeout * time.Duration(rounds)
}

// report forwards stage progress. A failed report never fails the stage.
func report(ctx context.Context, sc *pipeline.StageContext, delta int, line string) {
	if err := sc.Report(ctx, delta, line); err != nil {
		sc.Logger().Debug("Progress report failed",
			slog.String("stage", sc.Stage()),
			slog.String("line", line),
			slog.String("error", err.Error()),
		)
	}
}
