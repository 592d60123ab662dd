package generation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/gamegen-queue/internal/artifacts"
	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
)

const runDevicesWeight = 80

const reviewSystemPrompt = "You are a QA engineer reviewing an HTML5 browser game for one device profile. " +
	"Start your reply with a line that is exactly PASS or FAIL, then list the issues you found."

// Verdicts of a device review
const (
	VerdictPass    = "PASS"
	VerdictFail    = "FAIL"
	VerdictUnknown = "UNKNOWN"
)

// knownDevices describes the built in device profiles. Other names are
// reviewed as a generic device.
var knownDevices = map[string]string{
	"desktop-chrome":  "Desktop Chrome, 1920x1080, mouse and keyboard",
	"desktop-firefox": "Desktop Firefox, 1920x1080, mouse and keyboard",
	"desktop-safari":  "Desktop Safari on macOS, 1440x900, trackpad",
	"iphone":          "iPhone Safari, 390x844 portrait, touch only",
	"android-phone":   "Android Chrome, 412x915 portrait, touch only, mid range CPU",
	"android-lowend":  "Android Go phone, 360x640, touch only, slow CPU and 1GB RAM",
	"ipad":            "iPad Safari, 820x1180, touch with optional keyboard",
}

type deviceProfile struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DeviceResult is the outcome of one device review
type DeviceResult struct {
	Device  string `json:"device"`
	Verdict string `json:"verdict"`
	Notes   string `json:"notes,omitempty"`
}

// TestReport aggregates every device review of a test_suite job
type TestReport struct {
	GameID  string         `json:"game_id"`
	Total   int            `json:"total"`
	Passed  int            `json:"passed"`
	Failed  int            `json:"failed"`
	Unknown int            `json:"unknown"`
	Results []DeviceResult `json:"results"`
}

func testSuite(d Deps) pipeline.Definition {
	return pipeline.Definition{
		Kind:     domain.KindTestSuite,
		Validate: validateTestSuite,
		Stages: []pipeline.Stage{
			{Name: "prepare", Weight: 10, Executor: pipeline.ExecutorFunc(d.prepareSuite)},
			{Name: "run_devices", Weight: runDevicesWeight, Timeout: d.stageBudget(maxDevices, 1), Executor: pipeline.ExecutorFunc(d.runDevices)},
			{Name: "report", Weight: 10, Executor: pipeline.ExecutorFunc(d.reportSuite)},
		},
	}
}

func (d Deps) prepareSuite(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	var p TestSuitePayload
	if err := sc.DecodePayload(&p); err != nil {
		return pipeline.Fail(err)
	}

	profiles := make([]deviceProfile, 0, len(p.Devices))
	for _, name := range p.Devices {
		name = strings.TrimSpace(name)
		desc, ok := knownDevices[name]
		if !ok {
			desc = fmt.Sprintf("Generic device %q", name)
		}
		profiles = append(profiles, deviceProfile{Name: name, Description: desc})
	}

	sc.SetArtifact("game_id", p.GameID)
	if p.CodeURI != "" {
		sc.SetArtifact("code_uri", p.CodeURI)
	}
	sc.SetArtifact("devices", profiles)
	return pipeline.Done(fmt.Sprintf("prepared %d device runs", len(profiles)))
}

// runDevices reviews the game once per device. A FAIL verdict is a result,
// not an error; only provider errors fail the job.
func (d Deps) runDevices(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	v, ok := sc.Artifact("devices")
	if !ok {
		return pipeline.Fail(errors.New("device list missing"))
	}
	profiles := v.([]deviceProfile)
	gameID, _ := sc.Artifact("game_id")
	codeURI, _ := sc.Artifact("code_uri")

	step := runDevicesWeight / len(profiles)
	results := make([]DeviceResult, 0, len(profiles))
	for _, dev := range profiles {
		if sc.CancelRequested(ctx) {
			return pipeline.Cancelled()
		}

		user := fmt.Sprintf("Game: %v\nCode: %v\nDevice profile: %s (%s)", gameID, orNone(codeURI), dev.Name, dev.Description)
		callCtx, cancel := d.callContext(ctx)
		reply, err := d.Provider.GenerateText(callCtx, reviewSystemPrompt, user)
		cancel()
		if err != nil {
			return pipeline.Fail(fmt.Errorf("review on %s: %w", dev.Name, err))
		}

		verdict, notes := parseVerdict(reply)
		results = append(results, DeviceResult{Device: dev.Name, Verdict: verdict, Notes: notes})
		report(ctx, sc, step, fmt.Sprintf("device %s: %s", dev.Name, verdict))
	}

	sc.SetArtifact("device_results", results)
	return pipeline.Done(fmt.Sprintf("reviewed %d devices", len(results)))
}

func (d Deps) reportSuite(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	v, ok := sc.Artifact("device_results")
	if !ok {
		return pipeline.Fail(errors.New("device results missing"))
	}
	gameID, _ := sc.Artifact("game_id")

	report := TestReport{GameID: fmt.Sprint(gameID), Results: v.([]DeviceResult)}
	for _, r := range report.Results {
		report.Total++
		switch r.Verdict {
		case VerdictPass:
			report.Passed++
		case VerdictFail:
			report.Failed++
		default:
			report.Unknown++
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return pipeline.Fail(fmt.Errorf("encode report: %w", err))
	}
	uri, err := d.Artifacts.Put(ctx, artifacts.JobKey(sc.JobID(), "report.json"), data, "application/json")
	if err != nil {
		return pipeline.Fail(fmt.Errorf("store report: %w", err))
	}

	sc.SetArtifact("report", report)
	sc.SetArtifact("report_uri", uri)
	return pipeline.Done(fmt.Sprintf("%d passed, %d failed, %d unknown", report.Passed, report.Failed, report.Unknown))
}

// parseVerdict reads PASS or FAIL from the first non-empty line of a review
func parseVerdict(reply string) (string, string) {
	scanner := bufio.NewScanner(strings.NewReader(reply))
	var first string
	var rest []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first == "" {
			if line == "" {
				continue
			}
			first = line
			continue
		}
		rest = append(rest, line)
	}
	notes := strings.TrimSpace(strings.Join(rest, "\n"))

	head := strings.ToUpper(strings.Trim(first, "*#:. "))
	switch {
	case strings.HasPrefix(head, VerdictPass):
		return VerdictPass, notes
	case strings.HasPrefix(head, VerdictFail):
		return VerdictFail, notes
	default:
		return VerdictUnknown, strings.TrimSpace(reply)
	}
}

func orNone(v any) any {
	if v == nil {
		return "not provided"
	}
	return v
}
