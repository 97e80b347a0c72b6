// ABOUTME: Agent and tool catalog loaded from a YAML manifest at startup
// ABOUTME: Provides the Directory interface conversations consult exactly once during initialization

package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrAgentNotFound is returned when the requested agent is not in the catalog.
var ErrAgentNotFound = errors.New("agent not found")

// Tool type discriminators.
const (
	ToolTypeWebSearch       = "web_search"
	ToolTypeCodeInterpreter = "code_interpreter"
	ToolTypeMCP             = "mcp"
)

// Approval policy values for remote tool servers.
const (
	ApprovalAlways = "always"
	ApprovalNever  = "never"
)

// AgentConfig holds the model settings for a single agent. A conversation
// copies this once at initialization and never reloads it, so a running
// event log stays replayable even if the manifest changes underneath.
type AgentConfig struct {
	ID               string `yaml:"id"`
	Model            string `yaml:"model"`
	ReasoningEffort  string `yaml:"reasoning_effort"`
	Instructions     string `yaml:"instructions"`
	Verbosity        string `yaml:"verbosity"`
	CompactThreshold int    `yaml:"compact_threshold"`
}

// ToolDescriptor is a declarative definition of an invocable capability.
// Type discriminates the shape: web_search and code_interpreter carry no
// extra fields; mcp describes a remote tool server with an allowed-tool
// list and a per-tool human-approval policy.
type ToolDescriptor struct {
	Type string `yaml:"type" json:"type"`

	// Remote tool server fields (type == "mcp")
	ServerLabel     string            `yaml:"server_label,omitempty" json:"server_label,omitempty"`
	ServerURL       string            `yaml:"server_url,omitempty" json:"server_url,omitempty"`
	AllowedTools    []string          `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	RequireApproval string            `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	PerToolApproval map[string]string `yaml:"per_tool_approval,omitempty" json:"per_tool_approval,omitempty"`
}

// Directory is what a conversation needs from the catalog. Both lookups
// happen exactly once, during conversation initialization.
type Directory interface {
	AgentConfig(agentID string) (*AgentConfig, error)
	ToolConfig(agentID string) ([]ToolDescriptor, error)
}

// agentEntry is the manifest shape for one agent.
type agentEntry struct {
	AgentConfig `yaml:",inline"`
	Tools       []ToolDescriptor `yaml:"tools"`
}

// manifest is the top-level YAML document.
type manifest struct {
	Agents []agentEntry `yaml:"agents"`
}

// Catalog is a file-backed Directory. The manifest is parsed once in Load;
// lookups afterwards are read-only map accesses.
type Catalog struct {
	agents map[string]agentEntry
}

// Load reads and validates an agents manifest from the given path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents manifest: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw manifest bytes.
func Parse(data []byte) (*Catalog, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing agents manifest: %w", err)
	}

	agents := make(map[string]agentEntry, len(m.Agents))
	for _, entry := range m.Agents {
		if entry.ID == "" {
			return nil, fmt.Errorf("agent entry missing id")
		}
		if entry.Model == "" {
			return nil, fmt.Errorf("agent %q missing model", entry.ID)
		}
		if _, exists := agents[entry.ID]; exists {
			return nil, fmt.Errorf("duplicate agent id %q", entry.ID)
		}
		for i, tool := range entry.Tools {
			if err := validateTool(tool); err != nil {
				return nil, fmt.Errorf("agent %q tool %d: %w", entry.ID, i, err)
			}
		}
		agents[entry.ID] = entry
	}

	return &Catalog{agents: agents}, nil
}

func validateTool(tool ToolDescriptor) error {
	switch tool.Type {
	case ToolTypeWebSearch, ToolTypeCodeInterpreter:
		return nil
	case ToolTypeMCP:
		if tool.ServerLabel == "" {
			return fmt.Errorf("mcp tool missing server_label")
		}
		if tool.ServerURL == "" {
			return fmt.Errorf("mcp tool missing server_url")
		}
		if tool.RequireApproval != "" && tool.RequireApproval != ApprovalAlways && tool.RequireApproval != ApprovalNever {
			return fmt.Errorf("mcp tool %q: require_approval must be %q or %q", tool.ServerLabel, ApprovalAlways, ApprovalNever)
		}
		for name, policy := range tool.PerToolApproval {
			if policy != ApprovalAlways && policy != ApprovalNever {
				return fmt.Errorf("mcp tool %q: per_tool_approval[%s] must be %q or %q", tool.ServerLabel, name, ApprovalAlways, ApprovalNever)
			}
		}
		return nil
	case "":
		return fmt.Errorf("tool missing type")
	default:
		return fmt.Errorf("unknown tool type %q", tool.Type)
	}
}

// AgentConfig returns the model configuration for an agent.
func (c *Catalog) AgentConfig(agentID string) (*AgentConfig, error) {
	entry, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	cfg := entry.AgentConfig
	return &cfg, nil
}

// ToolConfig returns the tool descriptors for an agent. The returned slice
// is a copy; callers may hold it for the lifetime of a conversation.
func (c *Catalog) ToolConfig(agentID string) ([]ToolDescriptor, error) {
	entry, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	tools := make([]ToolDescriptor, len(entry.Tools))
	copy(tools, entry.Tools)
	return tools, nil
}

// AgentIDs lists all agents in the catalog, for diagnostics.
func (c *Catalog) AgentIDs() []string {
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	return ids
}
