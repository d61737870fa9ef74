// Package isolation turns an agent type spec plus a spawn request into a
// concrete, enforceable sandbox policy.
package isolation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"spawnd/internal/domain"
	"spawnd/internal/tools"
)

// ErrInvalidWorkspace is returned when the workspace cannot be reduced to an
// existing directory inside the resolved jail.
var ErrInvalidWorkspace = errors.New("invalid workspace")

// WorkspacePlaceholder is the project-root placeholder usable in
// workspace_jail_template.
const WorkspacePlaceholder = "${workspace}"

// Policy is the resolved sandbox for a single spawn.
type Policy struct {
	AgentType         string   `json:"agent_type"`
	JailRoot          string   `json:"jail_root"`
	Tools             []string `json:"tools"`
	CapabilityServers []string `json:"capability_servers,omitempty"`
	ReadOnly          bool     `json:"read_only"`
}

// Resolve computes the policy for spec applied to req. The returned tool set
// is allowed minus denied, with write-classified tools stripped when the
// spec is read-only. An empty effective tool set is valid; some agent types
// run with no external capabilities at all.
func Resolve(spec domain.AgentTypeSpec, req domain.SpawnRequest) (Policy, error) {
	if req.WorkspaceDir == "" {
		return Policy{}, fmt.Errorf("%w: workspace_dir is required", ErrInvalidWorkspace)
	}
	if !filepath.IsAbs(req.WorkspaceDir) {
		return Policy{}, fmt.Errorf("%w: workspace_dir %q must be absolute", ErrInvalidWorkspace, req.WorkspaceDir)
	}
	workspace, err := canonicalDir(req.WorkspaceDir)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: workspace_dir %q: %v", ErrInvalidWorkspace, req.WorkspaceDir, err)
	}

	jailPath := strings.ReplaceAll(spec.WorkspaceJailTemplate, WorkspacePlaceholder, workspace)
	jail, err := canonicalDir(jailPath)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: jail %q: %v", ErrInvalidWorkspace, jailPath, err)
	}
	if !within(jail, workspace) {
		return Policy{}, fmt.Errorf("%w: workspace %q escapes jail %q", ErrInvalidWorkspace, workspace, jail)
	}

	return Policy{
		AgentType:         spec.AgentType,
		JailRoot:          jail,
		Tools:             effectiveTools(spec),
		CapabilityServers: append([]string(nil), spec.CapabilityServers...),
		ReadOnly:          spec.ReadOnly,
	}, nil
}

// effectiveTools computes allowed minus denied; denial wins on conflict.
// Read-only specs additionally lose every write-classified tool here rather
// than trusting the worker to honor the flag.
func effectiveTools(spec domain.AgentTypeSpec) []string {
	denied := make(map[string]bool, len(spec.DeniedTools))
	for _, tool := range spec.DeniedTools {
		denied[tool] = true
	}
	seen := make(map[string]bool, len(spec.AllowedTools))
	effective := make([]string, 0, len(spec.AllowedTools))
	for _, tool := range spec.AllowedTools {
		if denied[tool] || seen[tool] {
			continue
		}
		if spec.ReadOnly && tools.IsWrite(tool) {
			continue
		}
		seen[tool] = true
		effective = append(effective, tool)
	}
	sort.Strings(effective)
	return effective
}

// canonicalDir resolves path to an absolute, symlink-free directory.
func canonicalDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}

// within reports whether path is root itself or a descendant of root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
