package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/artifacts"
	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/platform/aiclient"
	"github.com/cuongbtq/gamegen-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	text       func(system, user string) (string, error)
	textDelay  time.Duration
	imageDelay time.Duration
	imageErr   error

	running atomic.Int32
	peak    atomic.Int32
	images  atomic.Int32
}

func (f *fakeProvider) GenerateText(ctx context.Context, system, user string) (string, error) {
	if f.textDelay > 0 {
		select {
		case <-time.After(f.textDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text(system, user)
}

func (f *fakeProvider) GenerateImage(ctx context.Context, prompt string) (aiclient.Image, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.images.Add(1)

	select {
	case <-time.After(f.imageDelay):
	case <-ctx.Done():
		return aiclient.Image{}, ctx.Err()
	}
	if f.imageErr != nil {
		return aiclient.Image{}, f.imageErr
	}
	return aiclient.Image{Bytes: []byte("png:" + prompt), MimeType: "image/png"}, nil
}

type setup struct {
	store    *store.MemoryStore
	runner   *pipeline.Runner
	registry *pipeline.Registry
	root     string
}

func newSetup(t *testing.T, provider Provider) *setup {
	return newSetupWithDeps(t, Deps{Provider: provider})
}

func newSetupWithDeps(t *testing.T, deps Deps) *setup {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	dir, err := artifacts.NewDirStore(root, logger)
	require.NoError(t, err)
	deps.Artifacts = dir

	reg := pipeline.NewRegistry()
	require.NoError(t, Register(reg, deps))

	s := store.NewMemoryStore()
	return &setup{
		store:    s,
		registry: reg,
		root:     root,
		runner: pipeline.NewRunner(&pipeline.RunnerConfig{
			Store:        s,
			Logger:       logger,
			StageTimeout: 5 * time.Second,
		}),
	}
}

func (s *setup) run(t *testing.T, kind domain.Kind, payload string) (pipeline.Result, *domain.Record) {
	t.Helper()
	ctx := context.Background()
	def, err := s.registry.Lookup(kind)
	require.NoError(t, err)
	require.NoError(t, def.ValidatePayload(json.RawMessage(payload)))

	rec := domain.NewRecord("job-1", kind, json.RawMessage(payload), time.Now())
	require.NoError(t, rec.Transition(domain.StateProcessing, time.Now()))
	require.NoError(t, s.store.Put(ctx, rec))

	res := s.runner.Run(ctx, rec, def)
	got, err := s.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	return res, got
}

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.Kind
		payload string
		wantErr string
	}{
		{name: "game ok", kind: domain.KindGameGeneration, payload: `{"title":"Dodge","prompt":"avoid rocks","genre":"arcade"}`},
		{name: "game missing title", kind: domain.KindGameGeneration, payload: `{"prompt":"x"}`, wantErr: "title is required"},
		{name: "game unknown field", kind: domain.KindGameGeneration, payload: `{"title":"a","prompt":"b","price":3}`, wantErr: "unknown field"},
		{name: "game not json", kind: domain.KindGameGeneration, payload: `nope`, wantErr: "malformed payload"},
		{name: "assets ok", kind: domain.KindAssetBatch, payload: `{"game_id":"g1","assets":[{"name":"Ship","prompt":"red ship"}]}`},
		{name: "assets empty", kind: domain.KindAssetBatch, payload: `{"game_id":"g1","assets":[]}`, wantErr: "between 1 and 32"},
		{name: "assets duplicate", kind: domain.KindAssetBatch, payload: `{"game_id":"g1","assets":[{"name":"a","prompt":"x"},{"name":"A","prompt":"y"}]}`, wantErr: "duplicate name"},
		{name: "suite ok", kind: domain.KindTestSuite, payload: `{"game_id":"g1","devices":["iphone","desktop-chrome"]}`},
		{name: "suite no game", kind: domain.KindTestSuite, payload: `{"devices":["iphone"]}`, wantErr: "game_id is required"},
		{name: "suite duplicate device", kind: domain.KindTestSuite, payload: `{"game_id":"g1","devices":["ipad","ipad"]}`, wantErr: "duplicate device"},
	}

	s := newSetup(t, &fakeProvider{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := s.registry.Lookup(tt.kind)
			require.NoError(t, err)
			err = def.ValidatePayload(json.RawMessage(tt.payload))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegister_RequiresDeps(t *testing.T) {
	assert.Error(t, Register(pipeline.NewRegistry(), Deps{}))
	assert.Error(t, Register(pipeline.NewRegistry(), Deps{Provider: &fakeProvider{}}))
}

func TestGameGeneration(t *testing.T) {
	provider := &fakeProvider{text: func(system, user string) (string, error) {
		if system == designSystemPrompt {
			assert.Contains(t, user, "Title: Dodge")
			return "# Dodge\nAvoid the rocks.", nil
		}
		return "```html\n<!DOCTYPE html><html><body>game</body></html>\n```", nil
	}}
	s := newSetup(t, provider)

	res, rec := s.run(t, domain.KindGameGeneration, `{"title":"Dodge","prompt":"avoid rocks"}`)
	require.Equal(t, domain.StateCompleted, res.State, "err: %v", res.Err)

	var out struct {
		Design string            `json:"design"`
		Code   map[string]int    `json:"code"`
		Files  map[string]string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "# Dodge\nAvoid the rocks.", out.Design)
	assert.Greater(t, out.Code["bytes"], 0)
	assert.Contains(t, out.Files["index.html"], "file://")

	html, err := os.ReadFile(filepath.Join(s.root, "jobs", "job-1", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<!DOCTYPE html><html><body>game</body></html>", string(html))
	assert.Equal(t, 75, rec.Progress)
}

func TestGameGeneration_RejectsNonHTML(t *testing.T) {
	provider := &fakeProvider{text: func(system, user string) (string, error) {
		if system == designSystemPrompt {
			return "design", nil
		}
		return "print('hello')", nil
	}}
	s := newSetup(t, provider)

	res, rec := s.run(t, domain.KindGameGeneration, `{"title":"Dodge","prompt":"avoid rocks"}`)
	require.Equal(t, domain.StateFailed, res.State)
	assert.Contains(t, res.Err.Error(), "not an HTML document")
	assert.Equal(t, "code", res.Stage)
	assert.GreaterOrEqual(t, rec.Progress, 25)
	assert.Less(t, rec.Progress, 75)
}

func TestGameGeneration_ProviderErrorFailsStage(t *testing.T) {
	provider := &fakeProvider{text: func(system, user string) (string, error) {
		return "", &aiclient.HTTPError{StatusCode: 500, Body: "upstream"}
	}}
	s := newSetup(t, provider)

	res, _ := s.run(t, domain.KindGameGeneration, `{"title":"Dodge","prompt":"avoid rocks"}`)
	require.Equal(t, domain.StateFailed, res.State)
	var httpErr *aiclient.HTTPError
	assert.True(t, errors.As(res.Err, &httpErr))
	assert.Equal(t, "design", res.Stage)
}

func TestAssetBatch_RendersWithBoundedConcurrency(t *testing.T) {
	provider := &fakeProvider{imageDelay: 20 * time.Millisecond}
	s := newSetup(t, provider)

	var assets []string
	for i := 0; i < 10; i++ {
		assets = append(assets, `{"name":"Sprite `+string(rune('A'+i))+`","prompt":"thing"}`)
	}
	payload := `{"game_id":"g1","assets":[` + strings.Join(assets, ",") + `]}`

	res, rec := s.run(t, domain.KindAssetBatch, payload)
	require.Equal(t, domain.StateCompleted, res.State, "err: %v", res.Err)
	assert.Equal(t, int32(10), provider.images.Load())
	assert.LessOrEqual(t, provider.peak.Load(), int32(DefaultRenderConcurrency))
	assert.Greater(t, provider.peak.Load(), int32(1))

	var out struct {
		URIs map[string]string `json:"asset_uris"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Len(t, out.URIs, 10)

	data, err := os.ReadFile(filepath.Join(s.root, "jobs", "job-1", "assets", "01-sprite-a.png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "png:thing"))

	// render ends at its ceiling; the final stage leaves progress to completion
	assert.Equal(t, 90, rec.Progress)
}

func TestAssetBatch_RenderErrorFailsJob(t *testing.T) {
	provider := &fakeProvider{imageErr: errors.New("content policy")}
	s := newSetup(t, provider)

	res, _ := s.run(t, domain.KindAssetBatch, `{"game_id":"g1","assets":[{"name":"a","prompt":"x"},{"name":"b","prompt":"y"}]}`)
	require.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, "render", res.Stage)
	assert.Contains(t, res.Err.Error(), "content policy")
}

func TestTestSuite_FailVerdictDoesNotFailJob(t *testing.T) {
	var mu sync.Mutex
	var reviewed []string
	provider := &fakeProvider{text: func(system, user string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		reviewed = append(reviewed, user)
		if strings.Contains(user, "android-lowend") {
			return "FAIL\nframe rate drops below 20fps", nil
		}
		if strings.Contains(user, "smart-fridge") {
			return "I could not decide.", nil
		}
		return "**PASS**\nno issues", nil
	}}
	s := newSetup(t, provider)

	res, rec := s.run(t, domain.KindTestSuite, `{"game_id":"g1","code_uri":"gs://b/jobs/x/index.html","devices":["iphone","android-lowend","smart-fridge"]}`)
	require.Equal(t, domain.StateCompleted, res.State, "err: %v", res.Err)
	assert.Len(t, reviewed, 3)
	assert.Contains(t, reviewed[0], "gs://b/jobs/x/index.html")

	var out struct {
		Report    TestReport `json:"report"`
		ReportURI string     `json:"report_uri"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, 3, out.Report.Total)
	assert.Equal(t, 1, out.Report.Passed)
	assert.Equal(t, 1, out.Report.Failed)
	assert.Equal(t, 1, out.Report.Unknown)
	assert.Contains(t, out.ReportURI, "report.json")

	var messages []string
	for _, l := range rec.Logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "device android-lowend: FAIL")
}

func TestTestSuite_ProviderTimeoutBoundsEachCall(t *testing.T) {
	provider := &fakeProvider{
		textDelay: 40 * time.Millisecond,
		text: func(system, user string) (string, error) {
			return "PASS", nil
		},
	}
	s := newSetupWithDeps(t, Deps{Provider: provider, ProviderTimeout: 100 * time.Millisecond})

	// four calls together overrun one call's timeout but each stays inside it
	res, _ := s.run(t, domain.KindTestSuite, `{"game_id":"g1","devices":["iphone","ipad","desktop-chrome","android-phone"]}`)
	require.Equal(t, domain.StateCompleted, res.State, "err: %v", res.Err)
}

func TestTestSuite_SlowCallTimesOut(t *testing.T) {
	provider := &fakeProvider{
		textDelay: time.Second,
		text: func(system, user string) (string, error) {
			return "PASS", nil
		},
	}
	s := newSetupWithDeps(t, Deps{Provider: provider, ProviderTimeout: 50 * time.Millisecond})

	start := time.Now()
	res, _ := s.run(t, domain.KindTestSuite, `{"game_id":"g1","devices":["iphone"]}`)
	require.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, "run_devices", res.Stage)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAssetBatch_StageBudgetCoversSeveralRounds(t *testing.T) {
	provider := &fakeProvider{imageDelay: 40 * time.Millisecond}
	s := newSetupWithDeps(t, Deps{Provider: provider, ProviderTimeout: 100 * time.Millisecond, RenderConcurrency: 1})

	payload := `{"game_id":"g1","assets":[{"name":"a","prompt":"x"},{"name":"b","prompt":"y"},{"name":"c","prompt":"z"},{"name":"d","prompt":"w"}]}`
	res, _ := s.run(t, domain.KindAssetBatch, payload)
	require.Equal(t, domain.StateCompleted, res.State, "err: %v", res.Err)
	assert.Equal(t, int32(4), provider.images.Load())
}

func TestStageBudget(t *testing.T) {
	d := Deps{ProviderTimeout: time.Second}
	assert.Equal(t, 16*time.Second, d.stageBudget(16, 1))
	assert.Equal(t, 8*time.Second, d.stageBudget(32, 4))
	assert.Equal(t, 3*time.Second, d.stageBudget(5, 2))
	assert.Equal(t, time.Second, d.stageBudget(1, 0))
	assert.Zero(t, Deps{}.stageBudget(16, 1))
}

func TestReport_LogsStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := store.NewMemoryStore()
	runner := pipeline.NewRunner(&pipeline.RunnerConfig{Store: s, Logger: logger, StageTimeout: time.Second})

	ctx := context.Background()
	rec := domain.NewRecord("job-1", domain.KindGameGeneration, json.RawMessage(`{}`), time.Now())
	require.NoError(t, rec.Transition(domain.StateProcessing, time.Now()))
	require.NoError(t, s.Put(ctx, rec))

	def := &pipeline.Definition{Kind: domain.KindGameGeneration, Stages: []pipeline.Stage{
		{Name: "work", Weight: 100, Executor: pipeline.ExecutorFunc(func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
			if err := s.Delete(ctx, sc.JobID()); err != nil {
				return pipeline.Fail(err)
			}
			report(ctx, sc, 10, "halfway there")
			return pipeline.Done("")
		})},
	}}

	res := runner.Run(ctx, rec, def)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Contains(t, buf.String(), "Progress report failed")
	assert.Contains(t, buf.String(), "halfway there")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		reply   string
		verdict string
		notes   string
	}{
		{reply: "PASS\nall good", verdict: VerdictPass, notes: "all good"},
		{reply: "\n\n  fail: \n- input lag\n- overflow", verdict: VerdictFail, notes: "- input lag\n- overflow"},
		{reply: "## PASS", verdict: VerdictPass, notes: ""},
		{reply: "maybe", verdict: VerdictUnknown, notes: "maybe"},
	}
	for _, tt := range tests {
		verdict, notes := parseVerdict(tt.reply)
		assert.Equal(t, tt.verdict, verdict, tt.reply)
		assert.Equal(t, tt.notes, notes, tt.reply)
	}
}

func TestExtractHTML(t *testing.T) {
	assert.Equal(t, "<html></html>", extractHTML("```html\n<html></html>\n```"))
	assert.Equal(t, "<html></html>", extractHTML("  <html></html>  "))
}
