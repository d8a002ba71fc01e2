package task

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Node is one vertex of a workflow graph as supplied by the workflow engine.
type Node struct {
	ID     string                 `yaml:"id" json:"id"`
	Type   string                 `yaml:"type" json:"type"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	// Target names the downstream (host or database) for breaking and pooling.
	// When empty it is derived from config "target", then from config "url".
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// Edge says To depends on From
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Workflow is a graph document accepted by the CLI and the HTTP adapter.
type Workflow struct {
	ID       string                 `yaml:"id" json:"id"`
	Priority string                 `yaml:"priority,omitempty" json:"priority,omitempty"`
	Nodes    []Node                 `yaml:"nodes" json:"nodes"`
	Edges    []Edge                 `yaml:"edges,omitempty" json:"edges,omitempty"`
	Input    map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
}

// LoadWorkflow reads a workflow document from a YAML (or JSON) file
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes a workflow document. JSON is accepted since it is valid YAML.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if wf.ID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("workflow %s has no nodes", wf.ID)
	}
	return &wf, nil
}

// ResolveTarget returns the downstream identifier of a node
func ResolveTarget(n Node) string {
	if n.Target != "" {
		return n.Target
	}
	if t, ok := n.Config["target"].(string); ok && t != "" {
		return t
	}
	if raw, ok := n.Config["url"].(string); ok && raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if db, ok := n.Config["database"].(string); ok && db != "" {
		return db
	}
	return ""
}
