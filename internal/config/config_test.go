package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestLayeringPrecedenceLowestToHighest(t *testing.T) {
	eff, err := Derive(
		CLIOverrides{Model: "cli-model", Provider: "openai", Cwd: "/cli"},
		RequestMap{"model": "map-model", "cwd": "/map"},
		TypedOverrides{Model: strp("typed-model")},
		CloudRequirements{},
	)
	require.NoError(t, err)
	require.Equal(t, "typed-model", eff.Model, "typed overrides win over the request map")
	require.Equal(t, "/map", eff.Cwd, "request map wins over CLI overrides when typed leaves cwd unset")
	require.Equal(t, "openai", eff.Provider, "CLI overrides survive when neither higher layer touches provider")
}

func TestCloudRequirementsVetoesDisallowedProvider(t *testing.T) {
	_, err := Derive(
		CLIOverrides{Provider: "anthropic"},
		nil,
		TypedOverrides{},
		CloudRequirements{AllowedProviders: []string{"openai"}},
	)
	require.Error(t, err)
}

func TestCloudRequirementsAllowsPermittedProvider(t *testing.T) {
	eff, err := Derive(
		CLIOverrides{Provider: "openai"},
		nil,
		TypedOverrides{},
		CloudRequirements{AllowedProviders: []string{"openai", "anthropic"}},
	)
	require.NoError(t, err)
	require.Equal(t, "openai", eff.Provider)
}

func TestEphemeralTypedOverrideWins(t *testing.T) {
	eff, err := Derive(CLIOverrides{}, RequestMap{"ephemeral": false}, TypedOverrides{Ephemeral: boolp(true)}, CloudRequirements{})
	require.NoError(t, err)
	require.True(t, eff.Ephemeral)
}
