// Package config implements the Config Derivation component of
// spec.md §4.9: a four-layer precedence chain (process CLI overrides, a
// per-request free-form map, typed per-request overrides, and a cloud
// requirements snapshot) producing one fully-resolved Effective config.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/sessiond/internal/rpcerr"
)

// Effective is the fully-resolved config object derivation produces.
type Effective struct {
	Model                 string
	Provider              string
	Profile               string
	Cwd                   string
	ApprovalPolicy        string
	Sandbox               string
	BaseInstructions       string
	DeveloperInstructions  string
	CompactPrompt          string
	IncludeApplyPatchTool  bool
	Personality            string
	Ephemeral              bool
}

// CLIOverrides is layer 1: process-wide, stable for the process lifetime.
type CLIOverrides struct {
	Model    string
	Provider string
	Cwd      string
}

// RequestMap is layer 2: a free-form, JSON-typed per-request map whose keys
// follow config-file dialect (e.g. "model", "approval_policy").
type RequestMap map[string]any

// TypedOverrides is layer 3: an explicit struct naming every field the
// spec.md Open Question resolved as overridable per-request. A nil pointer
// field means "not specified"; non-nil overrides the lower layers.
type TypedOverrides struct {
	Model                 *string
	Provider              *string
	Profile               *string
	Cwd                   *string
	ApprovalPolicy        *string
	Sandbox               *string
	BaseInstructions      *string
	DeveloperInstructions *string
	CompactPrompt         *string
	IncludeApplyPatchTool *bool
	Personality           *string
	Ephemeral             *bool
}

// CloudRequirements is layer 4: residency constraints that may veto a
// provider selection made by a lower layer.
type CloudRequirements struct {
	AllowedProviders []string
}

// Derive layers the four inputs, lowest precedence first, and returns the
// fully resolved Effective config. Any layering failure (an unparsable
// RequestMap value, or a provider vetoed by CloudRequirements) is returned
// as an InvalidRequest-classified error.
func Derive(cli CLIOverrides, reqMap RequestMap, typed TypedOverrides, cloud CloudRequirements) (Effective, error) {
	eff := Effective{
		Model:    cli.Model,
		Provider: cli.Provider,
		Cwd:      cli.Cwd,
	}

	if err := applyRequestMap(&eff, reqMap); err != nil {
		return Effective{}, rpcerr.Parse(fmt.Errorf("config derivation: request map: %w", err))
	}

	applyTyped(&eff, typed)

	if err := applyCloudRequirements(&eff, cloud); err != nil {
		return Effective{}, rpcerr.Parse(fmt.Errorf("config derivation: cloud requirements: %w", err))
	}

	return eff, nil
}

// applyRequestMap converts the free-form map to config-file dialect by
// round-tripping it through YAML (the dialect the teacher's on-disk config
// files use) and merging recognized keys onto eff.
func applyRequestMap(eff *Effective, reqMap RequestMap) error {
	if len(reqMap) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(reqMap)
	if err != nil {
		return fmt.Errorf("marshal request map: %w", err)
	}
	var dialect struct {
		Model                 string `yaml:"model"`
		Provider              string `yaml:"provider"`
		Profile               string `yaml:"profile"`
		Cwd                   string `yaml:"cwd"`
		ApprovalPolicy        string `yaml:"approval_policy"`
		Sandbox               string `yaml:"sandbox"`
		BaseInstructions      string `yaml:"base_instructions"`
		DeveloperInstructions string `yaml:"developer_instructions"`
		CompactPrompt         string `yaml:"compact_prompt"`
		IncludeApplyPatchTool *bool  `yaml:"include_apply_patch_tool"`
		Personality           string `yaml:"personality"`
		Ephemeral             *bool  `yaml:"ephemeral"`
	}
	if err := yaml.Unmarshal(raw, &dialect); err != nil {
		return fmt.Errorf("unmarshal request map as config dialect: %w", err)
	}
	if dialect.Model != "" {
		eff.Model = dialect.Model
	}
	if dialect.Provider != "" {
		eff.Provider = dialect.Provider
	}
	if dialect.Profile != "" {
		eff.Profile = dialect.Profile
	}
	if dialect.Cwd != "" {
		eff.Cwd = dialect.Cwd
	}
	if dialect.ApprovalPolicy != "" {
		eff.ApprovalPolicy = dialect.ApprovalPolicy
	}
	if dialect.Sandbox != "" {
		eff.Sandbox = dialect.Sandbox
	}
	if dialect.BaseInstructions != "" {
		eff.BaseInstructions = dialect.BaseInstructions
	}
	if dialect.DeveloperInstructions != "" {
		eff.DeveloperInstructions = dialect.DeveloperInstructions
	}
	if dialect.CompactPrompt != "" {
		eff.CompactPrompt = dialect.CompactPrompt
	}
	if dialect.IncludeApplyPatchTool != nil {
		eff.IncludeApplyPatchTool = *dialect.IncludeApplyPatchTool
	}
	if dialect.Personality != "" {
		eff.Personality = dialect.Personality
	}
	if dialect.Ephemeral != nil {
		eff.Ephemeral = *dialect.Ephemeral
	}
	return nil
}

func applyTyped(eff *Effective, t TypedOverrides) {
	if t.Model != nil {
		eff.Model = *t.Model
	}
	if t.Provider != nil {
		eff.Provider = *t.Provider
	}
	if t.Profile != nil {
		eff.Profile = *t.Profile
	}
	if t.Cwd != nil {
		eff.Cwd = *t.Cwd
	}
	if t.ApprovalPolicy != nil {
		eff.ApprovalPolicy = *t.ApprovalPolicy
	}
	if t.Sandbox != nil {
		eff.Sandbox = *t.Sandbox
	}
	if t.BaseInstructions != nil {
		eff.BaseInstructions = *t.BaseInstructions
	}
	if t.DeveloperInstructions != nil {
		eff.DeveloperInstructions = *t.DeveloperInstructions
	}
	if t.CompactPrompt != nil {
		eff.CompactPrompt = *t.CompactPrompt
	}
	if t.IncludeApplyPatchTool != nil {
		eff.IncludeApplyPatchTool = *t.IncludeApplyPatchTool
	}
	if t.Personality != nil {
		eff.Personality = *t.Personality
	}
	if t.Ephemeral != nil {
		eff.Ephemeral = *t.Ephemeral
	}
}

func applyCloudRequirements(eff *Effective, cloud CloudRequirements) error {
	if len(cloud.AllowedProviders) == 0 || eff.Provider == "" {
		return nil
	}
	for _, p := range cloud.AllowedProviders {
		if p == eff.Provider {
			return nil
		}
	}
	return fmt.Errorf("provider %q is not permitted by cloud residency requirements", eff.Provider)
}
