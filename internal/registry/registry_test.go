package registry_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"spawnd/internal/domain"
	"spawnd/internal/registry"
)

const validYAML = `agents:
  - agent_type: coder-fast
    model_tier: fast-cheap
    description: quick code edits
    allowed_tools: [read_file, write_file, run_command]
    denied_tools: [git_push]
    workspace_jail_template: "${workspace}"
    read_only: false
    cost_per_task_usd: 0.035
  - agent_type: reviewer
    model_tier: maximum-quality
    description: read-only code review
    allowed_tools: [read_file, grep, git_diff]
    capability_servers: [code-index]
    workspace_jail_template: "${workspace}"
    read_only: true
    cost_per_task_usd: 0.25
  - agent_type: writer
    model_tier: balanced
    workspace_jail_template: "${workspace}/docs"
    cost_per_task_usd: 0.1
`

func TestLoadValid(t *testing.T) {
	reg, err := registry.FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := reg.Get("coder-fast")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if spec.ModelTier != domain.TierFastCheap {
		t.Fatalf("unexpected tier %q", spec.ModelTier)
	}
	if spec.CostPerTaskUSD != 0.035 {
		t.Fatalf("unexpected cost %v", spec.CostPerTaskUSD)
	}
}

func TestGetUnknown(t *testing.T) {
	reg, err := registry.FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get("nonexistent-type"); err == nil {
		t.Fatalf("expected unknown agent type error")
	}
}

func TestListOrderedAndStable(t *testing.T) {
	reg, err := registry.FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	first := reg.List()
	want := []string{"coder-fast", "reviewer", "writer"}
	got := make([]string, len(first))
	for i, s := range first {
		got[i] = s.AgentType
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order %v", got)
	}
	// repeated calls without a reload return an identical sequence
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(reg.List(), first) {
			t.Fatalf("list not stable on call %d", i)
		}
	}
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate agent type",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}"}
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}"}`,
			want: "duplicate",
		},
		{
			name: "negative cost",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}", cost_per_task_usd: -1}`,
			want: "schema violations",
		},
		{
			name: "missing jail template",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced}`,
			want: "schema violations",
		},
		{
			name: "unknown model tier",
			yaml: `agents:
  - {agent_type: a, model_tier: mega, workspace_jail_template: "${workspace}"}`,
			want: "schema violations",
		},
		{
			name: "unknown tool",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}", allowed_tools: [teleport]}`,
			want: "capability table",
		},
		{
			name: "read-only spec allows write tool",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}", read_only: true, allowed_tools: [write_file]}`,
			want: "write tool",
		},
		{
			name: "unexpected field",
			yaml: `agents:
  - {agent_type: a, model_tier: balanced, workspace_jail_template: "${workspace}", shell: true}`,
			want: "schema violations",
		},
		{
			name: "no agents",
			yaml: `agents: []`,
			want: "no agents",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected load failure")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestReloadKeepsOldSetOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatalf("expected reload failure")
	}
	if got := len(reg.List()); got != 3 {
		t.Fatalf("previous set not preserved, got %d specs", got)
	}
}

func TestReloadSwapsNewSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	updated := `agents:
  - {agent_type: solo, model_tier: balanced, workspace_jail_template: "${workspace}"}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := len(reg.List()); got != 1 {
		t.Fatalf("expected 1 spec after reload, got %d", got)
	}
}
