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
)

const (
	designSystemPrompt = "You are a senior game designer. Write a concise design document for a small " +
		"single page browser game: core loop, controls, win and lose conditions, visual style. " +
		"Answer in Markdown."
	codeSystemPrompt = "You are a senior game developer. Implement the design as one self-contained HTML " +
		"document with inline CSS and JavaScript and no external resources. Reply with the HTML only."
)

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*?)\\n?```\\s*$")

func gameGeneration(d Deps) pipeline.Definition {
	return pipeline.Definition{
		Kind:     domain.KindGameGeneration,
		Validate: validateGame,
		Stages: []pipeline.Stage{
			{Name: "design", Weight: 25, Timeout: d.stageBudget(1, 1), Executor: pipeline.ExecutorFunc(d.designGame)},
			{Name: "code", Weight: 50, Timeout: d.stageBudget(1, 1), Executor: pipeline.ExecutorFunc(d.codeGame)},
			{Name: "package", Weight: 25, Executor: pipeline.ExecutorFunc(d.packageGame)},
		},
	}
}

func (d Deps) designGame(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	var p GamePayload
	if err := sc.DecodePayload(&p); err != nil {
		return pipeline.Fail(err)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Title: %s\n", p.Title)
	if p.Genre != "" {
		fmt.Fprintf(&user, "Genre: %s\n", p.Genre)
	}
	fmt.Fprintf(&user, "Request: %s\n", p.Prompt)

	callCtx, cancel := d.callContext(ctx)
	doc, err := d.Provider.GenerateText(callCtx, designSystemPrompt, user.String())
	cancel()
	if err != nil {
		return pipeline.Fail(fmt.Errorf("design generation: %w", err))
	}
	sc.SetArtifact("title", p.Title)
	sc.SetArtifact("design", doc)
	return pipeline.Done(fmt.Sprintf("design document ready (%d chars)", len(doc)))
}

func (d Deps) codeGame(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	design, ok := sc.Artifact("design")
	if !ok {
		return pipeline.Fail(errors.New("design document missing"))
	}
	title, _ := sc.Artifact("title")

	user := fmt.Sprintf("Game title: %v\n\nDesign document:\n%v", title, design)
	callCtx, cancel := d.callContext(ctx)
	reply, err := d.Provider.GenerateText(callCtx, codeSystemPrompt, user)
	cancel()
	if err != nil {
		return pipeline.Fail(fmt.Errorf("code generation: %w", err))
	}
	report(ctx, sc, 10, "code generated, checking document")

	html := extractHTML(reply)
	if !strings.Contains(strings.ToLower(html), "<html") {
		return pipeline.Fail(errors.New("generated code is not an HTML document"))
	}
	sc.SetArtifact("code", sized(html))
	return pipeline.Done(fmt.Sprintf("game code ready (%d bytes)", len(html)))
}

func (d Deps) packageGame(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	code, ok := sc.Artifact("code")
	if !ok {
		return pipeline.Fail(errors.New("game code missing"))
	}
	design, _ := sc.Artifact("design")

	files := map[string][]byte{
		"index.html": []byte(code.(sized)),
		"design.md":  []byte(fmt.Sprint(design)),
	}
	uris := make(map[string]string, len(files))
	for _, name := range []string{"index.html", "design.md"} {
		key := artifacts.JobKey(sc.JobID(), name)
		uri, err := d.Artifacts.Put(ctx, key, files[name], artifacts.ContentTypeForKey(name))
		if err != nil {
			return pipeline.Fail(fmt.Errorf("store %s: %w", name, err))
		}
		uris[name] = uri
	}

	sc.SetArtifact("files", uris)
	return pipeline.Done("game packaged")
}

// extractHTML strips a Markdown code fence around the reply when present
func extractHTML(reply string) string {
	s := strings.TrimSpace(reply)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}
