package generation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	maxTitleLen   = 120
	maxPromptLen  = 4000
	maxAssets     = 32
	maxDevices    = 16
	maxAssetName  = 64
	maxDeviceName = 64
)

// GamePayload is the input of a game_generation job
type GamePayload struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
	Genre  string `json:"genre,omitempty"`
}

func (p *GamePayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if len(p.Title) > maxTitleLen {
		return fmt.Errorf("title exceeds %d characters", maxTitleLen)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(p.Prompt) > maxPromptLen {
		return fmt.Errorf("prompt exceeds %d characters", maxPromptLen)
	}
	return nil
}

// AssetSpec describes one image of an asset batch
type AssetSpec struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// AssetBatchPayload is the input of an asset_batch job
type AssetBatchPayload struct {
	GameID string      `json:"game_id"`
	Assets []AssetSpec `json:"assets"`
}

func (p *AssetBatchPayload) Validate() error {
	if strings.TrimSpace(p.GameID) == "" {
		return errors.New("game_id is required")
	}
	if len(p.Assets) == 0 || len(p.Assets) > maxAssets {
		return fmt.Errorf("assets must hold between 1 and %d items", maxAssets)
	}
	seen := make(map[string]bool, len(p.Assets))
	for i, a := range p.Assets {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("assets[%d]: name is required", i)
		}
		if len(name) > maxAssetName {
			return fmt.Errorf("assets[%d]: name exceeds %d characters", i, maxAssetName)
		}
		if seen[strings.ToLower(name)] {
			return fmt.Errorf("assets[%d]: duplicate name %q", i, name)
		}
		seen[strings.ToLower(name)] = true
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("assets[%d]: prompt is required", i)
		}
		if len(a.Prompt) > maxPromptLen {
			return fmt.Errorf("assets[%d]: prompt exceeds %d characters", i, maxPromptLen)
		}
	}
	return nil
}

// TestSuitePayload is the input of a test_suite job
type TestSuitePayload struct {
	GameID  string   `json:"game_id"`
	CodeURI string   `json:"code_uri,omitempty"`
	Devices []string `json:"devices"`
}

func (p *TestSuitePayload) Validate() error {
	if strings.TrimSpace(p.GameID) == "" {
		return errors.New("game_id is required")
	}
	if len(p.Devices) == 0 || len(p.Devices) > maxDevices {
		return fmt.Errorf("devices must hold between 1 and %d items", maxDevices)
	}
	seen := make(map[string]bool, len(p.Devices))
	for i, d := range p.Devices {
		d = strings.TrimSpace(d)
		if d == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if len(d) > maxDeviceName {
			return fmt.Errorf("devices[%d]: name exceeds %d characters", i, maxDeviceName)
		}
		if seen[d] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
		seen[d] = true
	}
	return nil
}

type validatable interface {
	Validate() error
}

// decodeStrict unmarshals raw into v, rejecting unknown fields and trailing data
func decodeStrict(raw json.RawMessage, v validatable) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if dec.More() {
		return errors.New("malformed payload: trailing data")
	}
	return v.Validate()
}

func validateGame(raw json.RawMessage) error {
	return decodeStrict(raw, &GamePayload{})
}

func validateAssetBatch(raw json.RawMessage) error {
	return decodeStrict(raw, &AssetBatchPayload{})
}

func validateTestSuite(raw json.RawMessage) error {
	return decodeStrict(raw, &TestSuitePayload{})
}
