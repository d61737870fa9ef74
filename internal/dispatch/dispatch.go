// Package dispatch is the externally callable entry point tying the
// registry, isolation resolver, launcher, collector, and audit store
// together.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spawnd/internal/audit"
	"spawnd/internal/collector"
	"spawnd/internal/config"
	"spawnd/internal/domain"
	"spawnd/internal/isolation"
	"spawnd/internal/launcher"
	"spawnd/internal/registry"
)

// Preflight errors. These abort before any process is launched: no cost is
// incurred and no audit record is written.
var (
	ErrEmptyTask           = errors.New("task is required")
	ErrRunnerNotConfigured = errors.New("no runner configured for agent type's model tier")
)

// IsPreflight reports whether err is a pre-flight rejection rather than a
// terminal spawn outcome.
func IsPreflight(err error) bool {
	return errors.Is(err, registry.ErrUnknownAgentType) ||
		errors.Is(err, isolation.ErrInvalidWorkspace) ||
		errors.Is(err, ErrEmptyTask) ||
		errors.Is(err, ErrRunnerNotConfigured)
}

const (
	recordAttempts     = 3
	recordRetryBackoff = 100 * time.Millisecond
	recordWriteTimeout = 5 * time.Second
)

// Dispatcher is safe for concurrent use; each spawn owns its own process,
// configuration artifact, and output buffers.
type Dispatcher struct {
	Registry  *registry.Registry
	Config    *config.Config
	Store     audit.Store
	Launcher  *launcher.Launcher
	Collector *collector.Collector
	Logger    *log.Logger

	// FallbackPath receives JSONL audit records when the store stays
	// unavailable past the retry ceiling, so terminal states are never
	// silently lost.
	FallbackPath string

	sem chan struct{}
}

// New builds a dispatcher from validated configuration.
func New(reg *registry.Registry, cfg *config.Config, store audit.Store) *Dispatcher {
	d := &Dispatcher{
		Registry: reg,
		Config:   cfg,
		Store:    store,
		Launcher: &launcher.Launcher{
			GracePeriod:     time.Duration(cfg.Defaults.GracePeriodSeconds) * time.Second,
			MaxCaptureBytes: cfg.Defaults.MaxOutputBytes * 4,
		},
		Collector: &collector.Collector{MaxOutputBytes: cfg.Defaults.MaxOutputBytes},
	}
	if cfg.Defaults.MaxConcurrent > 0 {
		d.sem = make(chan struct{}, cfg.Defaults.MaxConcurrent)
	}
	return d
}

// ListAgentTypes returns the registry projection, ordered by agent type.
func (d *Dispatcher) ListAgentTypes() []domain.AgentTypeSpec {
	return d.Registry.List()
}

// SpawnAgent runs one task end to end: registry lookup, isolation
// resolution, launch, collection, audit. Pre-flight failures return an
// error with no side effects; everything after launch resolves to a
// terminal SpawnResult that is recorded exactly once.
func (d *Dispatcher) SpawnAgent(ctx context.Context, req domain.SpawnRequest) (domain.SpawnResult, error) {
	if strings.TrimSpace(req.Task) == "" {
		return domain.SpawnResult{}, ErrEmptyTask
	}
	spec, err := d.Registry.Get(req.AgentType)
	if err != nil {
		return domain.SpawnResult{}, err
	}
	policy, err := isolation.Resolve(spec, req)
	if err != nil {
		return domain.SpawnResult{}, err
	}
	argv, err := d.Config.Runner(spec.ModelTier)
	if err != nil {
		return domain.SpawnResult{}, fmt.Errorf("%w: %v", ErrRunnerNotConfigured, err)
	}

	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			// Still pending: cancellation before launch has no side effects.
			return domain.SpawnResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.SpawnResult{}, err
	}

	result := d.run(ctx, spec, policy, argv, req)
	d.record(req, policy.JailRoot, result)
	return result, nil
}

// run launches and collects, translating even a dispatcher-side panic into
// a terminal error result so the attempt can still be audited.
func (d *Dispatcher) run(ctx context.Context, spec domain.AgentTypeSpec, policy isolation.Policy, argv []string, req domain.SpawnRequest) (result domain.SpawnResult) {
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			now := time.Now().UTC()
			result = domain.SpawnResult{
				Status:               domain.StatusError,
				ErrorMessage:         fmt.Sprintf("internal dispatch failure: %v", r),
				EstimatedCostUSD:     spec.CostPerTaskUSD,
				ExecutionTimeSeconds: now.Sub(started).Seconds(),
				StartedAt:            started.Format(domain.TimestampFormat),
				CompletedAt:          now.Format(domain.TimestampFormat),
			}
		}
	}()

	outcome := d.Launcher.Launch(ctx, argv, req.Task, policy, d.timeout(req))
	return d.Collector.Collect(spec, outcome)
}

func (d *Dispatcher) timeout(req domain.SpawnRequest) time.Duration {
	seconds := d.Config.Defaults.TimeoutSeconds
	if req.TimeoutSeconds != nil {
		seconds = *req.TimeoutSeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// record persists the terminal result. The write uses its own context so a
// cancelled spawn is still audited, retries with a bounded backoff, and
// falls back to local-only logging rather than losing the terminal state or
// blocking process reaping indefinitely.
func (d *Dispatcher) record(req domain.SpawnRequest, jailRoot string, res domain.SpawnResult) {
	var lastErr error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), recordWriteTimeout)
		_, err := d.Store.Record(ctx, req, jailRoot, res)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(recordRetryBackoff * time.Duration(attempt))
	}
	d.logger().Printf("audit store unavailable after %d attempts (%v); falling back to local log", recordAttempts, lastErr)
	d.recordFallback(req, jailRoot, res)
}

func (d *Dispatcher) recordFallback(req domain.SpawnRequest, jailRoot string, res domain.SpawnResult) {
	entry, err := json.Marshal(map[string]any{
		"agent_type":    req.AgentType,
		"task":          req.Task,
		"workspace_dir": req.WorkspaceDir,
		"jail_root":     jailRoot,
		"result":        res,
	})
	if err != nil {
		d.logger().Printf("encode fallback audit entry: %v", err)
		return
	}
	if d.FallbackPath == "" {
		d.logger().Printf("unrecorded spawn result: %s", entry)
		return
	}
	if err := appendLine(d.FallbackPath, entry); err != nil {
		d.logger().Printf("write fallback audit entry: %v; entry: %s", err, entry)
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}
