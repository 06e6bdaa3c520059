package thread

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relayforge/sessiond/internal/rpcerr"
)

// ValidateDynamicTools enforces the constraints spec.md §4.3 places on
// per-thread tool additions: names must be non-empty, free of leading or
// trailing whitespace, not reserved ("mcp" or "mcp__*"), unique within the
// batch, and carry an input schema that jsonschema itself accepts as valid.
// Returns an InvalidRequest-shaped error naming the first violation found.
func ValidateDynamicTools(tools []DynamicTool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return rpcerr.Parse(fmt.Errorf("dynamic tool name must not be empty"))
		}
		if strings.TrimSpace(t.Name) != t.Name {
			return rpcerr.Parse(fmt.Errorf("dynamic tool name %q must not have leading or trailing whitespace", t.Name))
		}
		if t.Name == "mcp" || strings.HasPrefix(t.Name, "mcp__") {
			return rpcerr.Parse(fmt.Errorf("dynamic tool name %q is reserved", t.Name))
		}
		if seen[t.Name] {
			return rpcerr.Parse(fmt.Errorf("dynamic tool name %q is duplicated", t.Name))
		}
		seen[t.Name] = true
		if err := validateSchema(t.InputSchema); err != nil {
			return rpcerr.Parse(fmt.Errorf("dynamic tool %q: invalid input schema: %w", t.Name, err))
		}
	}
	return nil
}

// validateSchema round-trips the schema through encoding/json and compiles
// it with jsonschema, rejecting anything the draft 2020-12 compiler itself
// would reject as malformed.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return fmt.Errorf("input schema is required")
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	const resourceURI = "mem://dynamic-tool-schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURI, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile(resourceURI); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
