package launcher_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"spawnd/internal/isolation"
	"spawnd/internal/launcher"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testPolicy(t *testing.T) isolation.Policy {
	t.Helper()
	return isolation.Policy{
		AgentType: "coder",
		JailRoot:  t.TempDir(),
		Tools:     []string{"read_file", "write_file"},
	}
}

func TestLaunchSuccessStreamsTaskOnStdin(t *testing.T) {
	script := writeScript(t, `read task
echo "got: $task"`)
	var l launcher.Launcher
	out := l.Launch(context.Background(), []string{script}, "fix the bug\n", testPolicy(t), 10*time.Second)
	if out.StartErr != nil {
		t.Fatalf("start: %v", out.StartErr)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("exit code %v, stderr %q", out.ExitCode, out.Stderr)
	}
	if !strings.Contains(out.Stdout, "got: fix the bug") {
		t.Fatalf("stdout %q", out.Stdout)
	}
	if out.TimedOut || out.Cancelled {
		t.Fatalf("unexpected flags: %+v", out)
	}
}

func TestLaunchRunsInJailRoot(t *testing.T) {
	script := writeScript(t, `pwd`)
	policy := testPolicy(t)
	var l launcher.Launcher
	out := l.Launch(context.Background(), []string{script}, "", policy, 10*time.Second)
	if out.StartErr != nil {
		t.Fatalf("start: %v", out.StartErr)
	}
	got := strings.TrimSpace(out.Stdout)
	want, err := filepath.EvalSymlinks(policy.JailRoot)
	if err != nil {
		t.Fatal(err)
	}
	if resolved, err := filepath.EvalSymlinks(got); err != nil || resolved != want {
		t.Fatalf("cwd %q, want %q", got, want)
	}
}

func TestLaunchPassesConfigArtifactAndCleansUp(t *testing.T) {
	// Args after the runner's own are "--agent-config <path>".
	script := writeScript(t, `echo "$2"
cat "$2"`)
	policy := testPolicy(t)
	policy.ReadOnly = true
	var l launcher.Launcher
	out := l.Launch(context.Background(), []string{script}, "", policy, 10*time.Second)
	if out.StartErr != nil {
		t.Fatalf("start: %v", out.StartErr)
	}
	lines := strings.SplitN(out.Stdout, "\n", 2)
	if len(lines) != 2 {
		t.Fatalf("stdout %q", out.Stdout)
	}
	artifactPath := strings.TrimSpace(lines[0])

	var cfg struct {
		AgentType string   `json:"agent_type"`
		JailRoot  string   `json:"jail_root"`
		Tools     []string `json:"tools"`
		ReadOnly  bool     `json:"read_only"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &cfg); err != nil {
		t.Fatalf("artifact not valid JSON: %v\n%s", err, lines[1])
	}
	if cfg.AgentType != "coder" || !cfg.ReadOnly || cfg.JailRoot != policy.JailRoot {
		t.Fatalf("artifact %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Tools, policy.Tools) {
		t.Fatalf("artifact tools %v", cfg.Tools)
	}
	// One file per launch, removed once the worker is reaped.
	if _, err := os.Stat(artifactPath); !os.IsNotExist(err) {
		t.Fatalf("artifact %s still present after launch (err=%v)", artifactPath, err)
	}
}

func TestLaunchTimeoutKeepsPartialOutput(t *testing.T) {
	script := writeScript(t, `echo partial
sleep 30`)
	l := launcher.Launcher{GracePeriod: 50 * time.Millisecond}
	start := time.Now()
	out := l.Launch(context.Background(), []string{script}, "", testPolicy(t), 200*time.Millisecond)
	if !out.TimedOut {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if out.Cancelled {
		t.Fatalf("timeout misreported as cancellation")
	}
	if !strings.Contains(out.Stdout, "partial") {
		t.Fatalf("partial output lost: %q", out.Stdout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("reap took %v, process group kill likely failed", elapsed)
	}
}

// A worker that exits on SIGTERM must be reaped as soon as it dies, not
// after the full grace period.
func TestLaunchTimeoutReapsBeforeGraceExpires(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	l := launcher.Launcher{GracePeriod: 10 * time.Second}
	start := time.Now()
	out := l.Launch(context.Background(), []string{script}, "", testPolicy(t), 100*time.Millisecond)
	if !out.TimedOut {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("reap waited %v, close to the full grace period", elapsed)
	}
}

func TestLaunchZeroTimeoutExpiresImmediately(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	l := launcher.Launcher{GracePeriod: 50 * time.Millisecond}
	out := l.Launch(context.Background(), []string{script}, "", testPolicy(t), 0)
	if !out.TimedOut {
		t.Fatalf("expected timeout, got %+v", out)
	}
}

func TestLaunchCallerCancellation(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	l := launcher.Launcher{GracePeriod: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	out := l.Launch(ctx, []string{script}, "", testPolicy(t), 30*time.Second)
	if !out.Cancelled {
		t.Fatalf("expected cancellation, got %+v", out)
	}
	if out.TimedOut {
		t.Fatalf("cancellation misreported as timeout")
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	var l launcher.Launcher
	out := l.Launch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, "", testPolicy(t), time.Second)
	if out.StartErr == nil {
		t.Fatalf("expected start error")
	}
	if out.TimedOut || out.Cancelled || out.ExitCode != nil {
		t.Fatalf("unexpected fields: %+v", out)
	}
}

func TestLaunchEmptyCommand(t *testing.T) {
	var l launcher.Launcher
	out := l.Launch(context.Background(), nil, "", testPolicy(t), time.Second)
	if out.StartErr == nil {
		t.Fatalf("expected start error for empty argv")
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo oops >&2
exit 3`)
	var l launcher.Launcher
	out := l.Launch(context.Background(), []string{script}, "", testPolicy(t), 10*time.Second)
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Fatalf("exit code %v", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "oops") {
		t.Fatalf("stderr %q", out.Stderr)
	}
}

func TestLaunchCapsCapturedOutput(t *testing.T) {
	script := writeScript(t, `i=0
while [ $i -lt 200 ]; do
  echo 0123456789012345678901234567890123456789
  i=$((i+1))
done`)
	l := launcher.Launcher{MaxCaptureBytes: 256}
	out := l.Launch(context.Background(), []string{script}, "", testPolicy(t), 10*time.Second)
	if out.StartErr != nil {
		t.Fatalf("start: %v", out.StartErr)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("exit code %v", out.ExitCode)
	}
	if len(out.Stdout) != 256 {
		t.Fatalf("captured %d bytes, want cap of 256", len(out.Stdout))
	}
}
