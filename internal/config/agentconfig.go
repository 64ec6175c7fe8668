package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// AgentConfigLoader resolves the opaque agent-config blob handed to Agent
// Executors. Configs live as <agent_id>.yaml or <agent_id>.json under the
// agent-config directory. If a schema.json sits alongside them, each config
// is validated against it before being handed out — the blob's contents are
// otherwise never interpreted here.
type AgentConfigLoader struct {
	dir string

	mu        sync.Mutex
	schema    *jsonschema.Schema
	schemaErr error
	loaded    bool
}

// NewAgentConfigLoader constructs a loader over dir.
func NewAgentConfigLoader(dir string) *AgentConfigLoader {
	return &AgentConfigLoader{dir: dir}
}

// Load returns the config blob for agentID as canonical JSON. A missing
// config file yields an empty object rather than an error: agents without
// explicit config run with executor defaults.
func (l *AgentConfigLoader) Load(agentID string) (json.RawMessage, error) {
	if strings.ContainsAny(agentID, `/\`) || strings.Contains(agentID, "..") {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}

	raw, err := l.readConfigFile(agentID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return json.RawMessage(`{}`), nil
	}

	schema, err := l.compileSchema()
	if err != nil {
		return nil, err
	}
	if schema != nil {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("reparse agent config %q: %w", agentID, err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("agent config %q fails schema: %w", agentID, err)
		}
	}
	return raw, nil
}

// readConfigFile reads <id>.yaml (converted to JSON) or <id>.json; nil with
// no error when neither exists.
func (l *AgentConfigLoader) readConfigFile(agentID string) (json.RawMessage, error) {
	yamlPath := filepath.Join(l.dir, agentID+".yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", yamlPath, err)
		}
		return out, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	jsonPath := filepath.Join(l.dir, agentID+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", jsonPath, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", jsonPath)
	}
	return data, nil
}

// compileSchema compiles <dir>/schema.json once. Absence of the schema file
// means validation is skipped entirely.
func (l *AgentConfigLoader) compileSchema() (*jsonschema.Schema, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.schema, l.schemaErr
	}
	l.loaded = true

	schemaPath := filepath.Join(l.dir, "schema.json")
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		l.schemaErr = fmt.Errorf("read agent config schema: %w", err)
		return nil, l.schemaErr
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		l.schemaErr = fmt.Errorf("unmarshal schema JSON: %w", err)
		return nil, l.schemaErr
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		l.schemaErr = fmt.Errorf("add schema resource: %w", err)
		return nil, l.schemaErr
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		l.schemaErr = fmt.Errorf("compile schema: %w", err)
		return nil, l.schemaErr
	}
	l.schema = schema
	return schema, nil
}

// Invalidate drops the cached schema so the next Load recompiles it; the
// config watcher calls this when files under the agent-config dir change.
func (l *AgentConfigLoader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = false
	l.schema = nil
	l.schemaErr = nil
}
