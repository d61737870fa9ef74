// Package collector converts raw launcher outcomes into terminal spawn
// results.
package collector

import (
	"fmt"
	"strings"

	"spawnd/internal/domain"
	"spawnd/internal/launcher"
)

// TruncationMarker is appended to output cut at the size cap.
const TruncationMarker = "\n... [output truncated]"

// DefaultMaxOutputBytes bounds stored output when no cap is configured.
const DefaultMaxOutputBytes = 256 << 10

// Collector builds SpawnResults. The zero value applies default bounds.
type Collector struct {
	// MaxOutputBytes caps the output persisted in results and audit records.
	MaxOutputBytes int64
}

// Collect derives the terminal result for one spawn attempt.
//
// Status rules:
//   - timeout: the launcher killed the worker for exceeding its budget,
//     regardless of any partial output captured;
//   - error: the worker never ran usefully (start failure, killed by an
//     unexpected signal, or caller cancellation);
//   - success: exit code zero and non-empty output;
//   - failure: clean exit with no usable output, or non-zero exit.
//
// The cost figure is the agent type's flat per-task estimate.
func (c *Collector) Collect(spec domain.AgentTypeSpec, out launcher.Outcome) domain.SpawnResult {
	result := domain.SpawnResult{
		Output:               c.truncate(out.Stdout),
		ExitCode:             out.ExitCode,
		EstimatedCostUSD:     spec.CostPerTaskUSD,
		ExecutionTimeSeconds: out.WallTime().Seconds(),
		StartedAt:            out.StartedAt.Format(domain.TimestampFormat),
		CompletedAt:          out.FinishedAt.Format(domain.TimestampFormat),
	}

	switch {
	case out.TimedOut:
		result.Status = domain.StatusTimeout
		result.ErrorMessage = "worker exceeded its timeout and was terminated"
	case out.Cancelled:
		result.Status = domain.StatusError
		result.ErrorMessage = "spawn cancelled"
	case out.StartErr != nil:
		result.Status = domain.StatusError
		result.ErrorMessage = out.StartErr.Error()
	case out.Signal != "":
		result.Status = domain.StatusError
		result.ErrorMessage = fmt.Sprintf("worker terminated by signal %s", out.Signal)
	case out.ExitCode != nil && *out.ExitCode == 0:
		if strings.TrimSpace(out.Stdout) == "" {
			// A silent no-op is not success.
			result.Status = domain.StatusFailure
			result.ErrorMessage = "worker exited cleanly but produced no output"
		} else {
			result.Status = domain.StatusSuccess
		}
	default:
		result.Status = domain.StatusFailure
		result.ErrorMessage = exitMessage(out)
	}
	return result
}

func exitMessage(out launcher.Outcome) string {
	msg := "worker exited with a non-zero status"
	if out.ExitCode != nil {
		msg = fmt.Sprintf("worker exited with status %d", *out.ExitCode)
	}
	if trimmed := strings.TrimSpace(out.Stderr); trimmed != "" {
		msg += ": " + firstLine(trimmed)
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c *Collector) truncate(s string) string {
	max := c.MaxOutputBytes
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	if int64(len(s)) <= max {
		return s
	}
	return s[:max] + TruncationMarker
}
