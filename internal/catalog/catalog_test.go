// ABOUTME: Tests for manifest parsing and catalog lookups
// ABOUTME: Covers validation failures for malformed agent and tool entries

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
agents:
  - id: researcher
    model: gpt-5
    reasoning_effort: high
    instructions: "research things carefully"
    compact_threshold: 150000
    tools:
      - type: web_search
      - type: mcp
        server_label: ops
        server_url: https://ops.example/mcp
        allowed_tools: [deploy, rollback]
        require_approval: always
        per_tool_approval:
          deploy: always
          rollback: never
  - id: coder
    model: gpt-5-mini
    tools:
      - type: code_interpreter
`

func TestParse_ValidManifest(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	cfg, err := c.AgentConfig("researcher")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, "high", cfg.ReasoningEffort)
	assert.Equal(t, 150000, cfg.CompactThreshold)

	tools, err := c.ToolConfig("researcher")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, ToolTypeWebSearch, tools[0].Type)
	assert.Equal(t, "ops", tools[1].ServerLabel)
	assert.Equal(t, ApprovalAlways, tools[1].RequireApproval)
	assert.Equal(t, ApprovalNever, tools[1].PerToolApproval["rollback"])

	assert.ElementsMatch(t, []string{"researcher", "coder"}, c.AgentIDs())
}

func TestParse_UnknownAgent(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	_, err = c.AgentConfig("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = c.ToolConfig("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestParse_ToolConfigReturnsCopy(t *testing.T) {
	c, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	tools, err := c.ToolConfig("researcher")
	require.NoError(t, err)
	tools[0].Type = "mutated"

	again, err := c.ToolConfig("researcher")
	require.NoError(t, err)
	assert.Equal(t, ToolTypeWebSearch, again[0].Type)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name:     "missing id",
			manifest: "agents:\n  - model: gpt-5\n",
			wantErr:  "missing id",
		},
		{
			name:     "missing model",
			manifest: "agents:\n  - id: a\n",
			wantErr:  "missing model",
		},
		{
			name:     "duplicate id",
			manifest: "agents:\n  - id: a\n    model: m\n  - id: a\n    model: m\n",
			wantErr:  "duplicate agent id",
		},
		{
			name:     "mcp missing server_label",
			manifest: "agents:\n  - id: a\n    model: m\n    tools:\n      - type: mcp\n        server_url: https://x\n",
			wantErr:  "server_label",
		},
		{
			name:     "mcp missing server_url",
			manifest: "agents:\n  - id: a\n    model: m\n    tools:\n      - type: mcp\n        server_label: x\n",
			wantErr:  "server_url",
		},
		{
			name:     "bad approval policy",
			manifest: "agents:\n  - id: a\n    model: m\n    tools:\n      - type: mcp\n        server_label: x\n        server_url: https://x\n        require_approval: sometimes\n",
			wantErr:  "require_approval",
		},
		{
			name:     "unknown tool type",
			manifest: "agents:\n  - id: a\n    model: m\n    tools:\n      - type: telepathy\n",
			wantErr:  "unknown tool type",
		},
		{
			name:     "not yaml",
			manifest: "{{{",
			wantErr:  "parsing agents manifest",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.manifest))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	_, err = c.AgentConfig("coder")
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
