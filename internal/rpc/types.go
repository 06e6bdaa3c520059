package rpc

import "github.com/relayforge/sessiond/internal/thread"

// threadStartParams is the params shape for thread/start, thread/resume,
// and thread/fork (a superset covers all three; unused fields are ignored
// by whichever handler receives them).
type threadStartParams struct {
	Model                  string            `json:"model"`
	ModelProvider          string            `json:"model_provider"`
	Cwd                    string            `json:"cwd"`
	ApprovalPolicy         string            `json:"approval_policy"`
	Sandbox                string            `json:"sandbox"`
	BaseInstructions       string            `json:"base_instructions"`
	DeveloperInstructions  string            `json:"developer_instructions"`
	Personality            string            `json:"personality"`
	Ephemeral              bool              `json:"ephemeral"`
	PersistExtendedHistory bool              `json:"persist_extended_history"`
	ExperimentalRawEvents  bool              `json:"experimental_raw_events"`
	DynamicTools           []dynamicToolJSON `json:"dynamic_tools"`

	// thread/resume, thread/fork
	ThreadID string `json:"thread_id"`
	Path     string `json:"path"`
	NumTurns int    `json:"num_turns"`
}

type dynamicToolJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func toDynamicTools(in []dynamicToolJSON) []thread.DynamicTool {
	out := make([]thread.DynamicTool, len(in))
	for i, t := range in {
		out[i] = thread.DynamicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

func (p threadStartParams) toConfig() thread.Config {
	return thread.Config{
		Model:                  p.Model,
		ModelProvider:          p.ModelProvider,
		Cwd:                    p.Cwd,
		ApprovalPolicy:         thread.ApprovalPolicy(p.ApprovalPolicy),
		Sandbox:                thread.SandboxPolicy(p.Sandbox),
		BaseInstructions:       p.BaseInstructions,
		DeveloperInstructions:  p.DeveloperInstructions,
		Personality:            p.Personality,
		Ephemeral:              p.Ephemeral,
		PersistExtendedHistory: p.PersistExtendedHistory,
	}
}

// threadStartResult is the common response shape for thread/start,
// thread/resume, and thread/fork.
type threadStartResult struct {
	Thread          threadJSON `json:"thread"`
	Model           string     `json:"model"`
	ModelProvider   string     `json:"model_provider"`
	Cwd             string     `json:"cwd"`
	ApprovalPolicy  string     `json:"approval_policy"`
	Sandbox         string     `json:"sandbox"`
	ReasoningEffort string     `json:"reasoning_effort"`
}

type threadJSON struct {
	ID string `json:"id"`
}

func newThreadStartResult(id string, cfg thread.ConfigSnapshot) threadStartResult {
	return threadStartResult{
		Thread:          threadJSON{ID: id},
		Model:           cfg.Model,
		ModelProvider:   cfg.Provider,
		Cwd:             cfg.Cwd,
		ApprovalPolicy:  string(cfg.ApprovalPolicy),
		Sandbox:         string(cfg.Sandbox),
		ReasoningEffort: cfg.ReasoningEffort,
	}
}

type threadIDParams struct {
	ThreadID string `json:"thread_id"`
}

type threadSetNameParams struct {
	ThreadID string `json:"thread_id"`
	Name     string `json:"name"`
}

type threadRollbackParams struct {
	ThreadID string `json:"thread_id"`
	NumTurns int     `json:"num_turns"`
}

type threadReadParams struct {
	ThreadID     string `json:"thread_id"`
	IncludeTurns bool   `json:"include_turns"`
}

type threadListParams struct {
	Cursor         string   `json:"cursor"`
	Limit          int      `json:"limit"`
	SortKey        string   `json:"sort_key"`
	ModelProviders []string `json:"model_providers"`
	SourceKinds    []string `json:"source_kinds"`
	Archived       bool     `json:"archived"`
	Cwd            string   `json:"cwd"`
}

type threadLoadedListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

type turnStartParams struct {
	ThreadID string          `json:"thread_id"`
	Input    []inputItemJSON `json:"input"`
}

type inputItemJSON struct {
	Text string `json:"text"`
}

func toThreadItems(in []inputItemJSON) []thread.ThreadItem {
	out := make([]thread.ThreadItem, len(in))
	for i, it := range in {
		out[i] = thread.ThreadItem{Kind: "user_message", Payload: it.Text}
	}
	return out
}

type turnStartResult struct {
	Turn turnJSON `json:"turn"`
}

type turnJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type turnSteerParams struct {
	ThreadID      string          `json:"thread_id"`
	ExpectedTurnID string         `json:"expected_turn_id"`
	Input         []inputItemJSON `json:"input"`
}

type reviewStartParams struct {
	ThreadID string `json:"thread_id"`
	Target   string `json:"target"`
	Delivery string `json:"delivery"`
}

type loginStartParams struct {
	Kind string `json:"kind"`
}

type loginStartResult struct {
	LoginID string `json:"login_id"`
	AuthURL string `json:"auth_url"`
}

type cancelLoginParams struct {
	LoginID string `json:"login_id"`
}
