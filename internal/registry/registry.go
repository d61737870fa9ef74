// Package registry loads and serves the versioned agent type definitions.
// The registry file is validated structurally (JSON schema) and semantically
// on load; any invalid entry fails the whole load so the service never runs
// with partially-validated agent types.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"spawnd/internal/domain"
	"spawnd/internal/tools"
)

// ErrUnknownAgentType is returned by Get for agent types not in the registry.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Registry is the in-memory, read-mostly view of the agent type definitions.
// It is safe for concurrent use; mutation happens only through Reload.
type Registry struct {
	path string

	mu    sync.RWMutex
	specs map[string]domain.AgentTypeSpec
	order []string
}

type registryFile struct {
	Agents []domain.AgentTypeSpec `yaml:"agents"`
}

// Load reads, validates, and indexes the registry file at path.
func Load(path string) (*Registry, error) {
	specs, order, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return &Registry{path: path, specs: specs, order: order}, nil
}

// FromYAML builds a registry from raw YAML bytes; Reload is unavailable.
func FromYAML(data []byte) (*Registry, error) {
	specs, order, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Registry{specs: specs, order: order}, nil
}

// Reload re-reads the registry file and swaps the validated set in. A failed
// reload leaves the previous set serving.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry was not loaded from a file")
	}
	specs, order, err := loadFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.specs = specs
	r.order = order
	r.mu.Unlock()
	return nil
}

// Get resolves one agent type.
func (r *Registry) Get(agentType string) (domain.AgentTypeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[agentType]
	if !ok {
		return domain.AgentTypeSpec{}, fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return spec, nil
}

// List returns all agent types ordered by agent_type. Repeated calls without
// a reload return an identical sequence.
func (r *Registry) List() []domain.AgentTypeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentTypeSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

func loadFile(path string) (map[string]domain.AgentTypeSpec, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("registry %s not found", path)
		}
		return nil, nil, err
	}
	specs, order, err := parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return specs, order, nil
}

func parse(data []byte) (map[string]domain.AgentTypeSpec, []string, error) {
	if err := validateSchema(data); err != nil {
		return nil, nil, err
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("invalid registry yaml: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, nil, fmt.Errorf("registry defines no agents")
	}
	specs := make(map[string]domain.AgentTypeSpec, len(file.Agents))
	for _, spec := range file.Agents {
		if err := validateSpec(spec); err != nil {
			return nil, nil, fmt.Errorf("agent %q: %w", spec.AgentType, err)
		}
		if _, dup := specs[spec.AgentType]; dup {
			return nil, nil, fmt.Errorf("duplicate agent type %q", spec.AgentType)
		}
		specs[spec.AgentType] = spec
	}
	order := make([]string, 0, len(specs))
	for name := range specs {
		order = append(order, name)
	}
	sort.Strings(order)
	return specs, order, nil
}

// validateSchema checks the raw document shape before decoding, so schema
// problems surface as one aggregated error instead of zero-valued fields.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid registry yaml: %w", err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry not convertible to json: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(registrySchema),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	sort.Strings(msgs)
	return fmt.Errorf("registry schema violations: %v", msgs)
}

func validateSpec(spec domain.AgentTypeSpec) error {
	if spec.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	if !validTier(spec.ModelTier) {
		return fmt.Errorf("unknown model tier %q", spec.ModelTier)
	}
	if spec.WorkspaceJailTemplate == "" {
		return fmt.Errorf("workspace_jail_template is required")
	}
	if spec.CostPerTaskUSD < 0 {
		return fmt.Errorf("cost_per_task_usd must not be negative")
	}
	for _, tool := range append(append([]string{}, spec.AllowedTools...), spec.DeniedTools...) {
		if !tools.Known(tool) {
			return fmt.Errorf("tool %q is not declared in the capability table", tool)
		}
	}
	if spec.ReadOnly {
		for _, tool := range spec.AllowedTools {
			if tools.IsWrite(tool) {
				return fmt.Errorf("read_only spec allows write tool %q", tool)
			}
		}
	}
	return nil
}

func validTier(tier domain.ModelTier) bool {
	for _, t := range domain.ModelTiers {
		if t == tier {
			return true
		}
	}
	return false
}

const registrySchema = `{
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent_type", "model_tier", "workspace_jail_template"],
        "properties": {
          "agent_type": {"type": "string", "minLength": 1},
          "model_tier": {"type": "string", "enum": ["fast-cheap", "balanced", "maximum-quality"]},
          "description": {"type": "string"},
          "allowed_tools": {"type": "array", "items": {"type": "string"}},
          "denied_tools": {"type": "array", "items": {"type": "string"}},
          "capability_servers": {"type": "array", "items": {"type": "string"}},
          "workspace_jail_template": {"type": "string", "minLength": 1},
          "read_only": {"type": "boolean"},
          "cost_per_task_usd": {"type": "number", "minimum": 0}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
