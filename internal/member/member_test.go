package member

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec         string
		wantProvider Provider
		wantModel    string
		wantDisplay  string
	}{
		{"opencode/anthropic/claude-sonnet-4", ProviderOpenCode, "anthropic/claude-sonnet-4", "opencode/anthropic/claude-sonnet-4"},
		{"anthropic/claude-sonnet-4", ProviderOpenCode, "anthropic/claude-sonnet-4", "anthropic/claude-sonnet-4"},
		{"gpt-5", ProviderOpenCode, "gpt-5", "gpt-5"},
		{"  gpt-5  ", ProviderOpenCode, "gpt-5", "gpt-5"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			m, err := Parse(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, m.Provider)
			assert.Equal(t, tt.wantModel, m.Model)
			assert.Equal(t, tt.wantDisplay, m.DisplayName)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
	_, err = Parse("   ")
	require.Error(t, err)
}

func TestParseAllPreservesOrder(t *testing.T) {
	ms, err := ParseAll([]string{"alpha", "beta", "alpha"})
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, "alpha", ms[0].Model)
	assert.Equal(t, "beta", ms[1].Model)
	assert.Equal(t, "alpha", ms[2].Model)
}

func TestSafeID(t *testing.T) {
	m, err := Parse("anthropic/claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "member_0_anthropic_claude-sonnet-4", m.SafeID(0))

	m, err = Parse("provider/model:latest")
	require.NoError(t, err)
	assert.Equal(t, "member_3_provider_model_latest", m.SafeID(3))
}
