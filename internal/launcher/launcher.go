// Package launcher starts one worker process per spawn, confined to a
// resolved isolation policy, bounded by a timeout, and guarantees the
// process is reaped on every exit path.
package launcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"spawnd/internal/isolation"
)

// DefaultGracePeriod is the wait between SIGTERM and SIGKILL when a worker
// is terminated for timeout or cancellation.
const DefaultGracePeriod = 5 * time.Second

// DefaultMaxCaptureBytes bounds each captured stream.
const DefaultMaxCaptureBytes = 1 << 20

// Launcher launches worker processes. The zero value is usable; concurrent
// Launch calls share no mutable state.
type Launcher struct {
	// GracePeriod between the termination signal and the force kill.
	GracePeriod time.Duration

	// MaxCaptureBytes caps each of stdout and stderr. Capture is
	// incremental, so partial output survives a kill.
	MaxCaptureBytes int64
}

// Outcome is the raw result of one launch. Launch never panics and never
// returns an error: start failures are reported in StartErr so the caller
// can translate them into a terminal status.
type Outcome struct {
	Stdout     string
	Stderr     string
	ExitCode   *int
	Signal     string
	TimedOut   bool
	Cancelled  bool
	StartErr   error
	StartedAt  time.Time
	FinishedAt time.Time
}

// WallTime is the elapsed wall-clock duration of the attempt.
func (o Outcome) WallTime() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// workerConfig is the ephemeral per-invocation configuration artifact handed
// to the worker. One file per launch, never shared, removed after reap.
type workerConfig struct {
	AgentType         string   `json:"agent_type"`
	JailRoot          string   `json:"jail_root"`
	Tools             []string `json:"tools"`
	CapabilityServers []string `json:"capability_servers,omitempty"`
	ReadOnly          bool     `json:"read_only"`
}

// Launch runs argv as a child process jailed to policy.JailRoot with task
// streamed on stdin. The worker receives its capability configuration via a
// generated --agent-config file. The process runs in its own process group;
// on timeout or caller cancellation the group gets SIGTERM, a grace period,
// then SIGKILL.
func (l *Launcher) Launch(ctx context.Context, argv []string, task string, policy isolation.Policy, timeout time.Duration) Outcome {
	out := Outcome{StartedAt: time.Now().UTC()}
	finish := func() Outcome {
		out.FinishedAt = time.Now().UTC()
		return out
	}

	if len(argv) == 0 || argv[0] == "" {
		out.StartErr = fmt.Errorf("empty runner command")
		return finish()
	}

	artifactDir, err := os.MkdirTemp("", "spawnd-agent-")
	if err != nil {
		out.StartErr = fmt.Errorf("create config artifact dir: %w", err)
		return finish()
	}
	defer os.RemoveAll(artifactDir)

	artifactPath := filepath.Join(artifactDir, "agent.json")
	artifact, err := json.MarshalIndent(workerConfig{
		AgentType:         policy.AgentType,
		JailRoot:          policy.JailRoot,
		Tools:             policy.Tools,
		CapabilityServers: policy.CapabilityServers,
		ReadOnly:          policy.ReadOnly,
	}, "", "  ")
	if err != nil {
		out.StartErr = fmt.Errorf("encode config artifact: %w", err)
		return finish()
	}
	if err := os.WriteFile(artifactPath, artifact, 0o600); err != nil {
		out.StartErr = fmt.Errorf("write config artifact: %w", err)
		return finish()
	}

	if timeout < 0 {
		timeout = 0
	}
	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	stdout := newBoundedBuffer(l.maxCapture())
	stderr := newBoundedBuffer(l.maxCapture())

	args := append(append([]string(nil), argv[1:]...), "--agent-config", artifactPath)
	cmd := osexec.Command(argv[0], args...)
	cmd.Dir = policy.JailRoot
	cmd.Stdin = strings.NewReader(task)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so timeout/cancel kills the worker and anything it
	// spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.StartErr = fmt.Errorf("start worker: %w", err)
		return finish()
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitDone:
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			out.Cancelled = true
		} else {
			out.TimedOut = true
		}
		runErr = l.killProcessGroup(pgid, waitDone)
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	if runErr == nil {
		exitCode := 0
		out.ExitCode = &exitCode
	} else {
		var exitErr *osexec.ExitError
		if stderrors.As(runErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				out.Signal = status.Signal().String()
			} else {
				exitCode := exitErr.ExitCode()
				out.ExitCode = &exitCode
			}
		} else {
			out.StartErr = runErr
		}
	}
	return finish()
}

func (l *Launcher) maxCapture() int64 {
	if l.MaxCaptureBytes > 0 {
		return l.MaxCaptureBytes
	}
	return DefaultMaxCaptureBytes
}

func (l *Launcher) gracePeriod() time.Duration {
	if l.GracePeriod > 0 {
		return l.GracePeriod
	}
	return DefaultGracePeriod
}

// killProcessGroup sends SIGTERM to the process group, waits up to the
// grace period for the worker to be reaped, and escalates to SIGKILL only
// if it is still running. Negative pgid targets the whole group.
func (l *Launcher) killProcessGroup(pgid int, waitDone <-chan error) error {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	grace := time.NewTimer(l.gracePeriod())
	defer grace.Stop()
	select {
	case err := <-waitDone:
		return err
	case <-grace.C:
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	return <-waitDone
}
