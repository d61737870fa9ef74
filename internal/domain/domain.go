package domain

// TimestampFormat renders UTC instants at a fixed width, unlike
// time.RFC3339Nano which strips trailing fraction zeros. The audit store
// orders and filters timestamps as text, so lexicographic order must match
// chronological order.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ModelTier selects which backing worker class an agent type runs on.
type ModelTier string

const (
	TierFastCheap      ModelTier = "fast-cheap"
	TierBalanced       ModelTier = "balanced"
	TierMaximumQuality ModelTier = "maximum-quality"
)

// ModelTiers lists all valid tiers.
var ModelTiers = []ModelTier{TierFastCheap, TierBalanced, TierMaximumQuality}

// AgentTypeSpec is the immutable definition of an agent type. Specs are
// created by administrative edits to the registry file and never mutated by
// a running spawn.
type AgentTypeSpec struct {
	AgentType             string    `json:"agent_type" yaml:"agent_type"`
	ModelTier             ModelTier `json:"model_tier" yaml:"model_tier" enum:"fast-cheap,balanced,maximum-quality"`
	Description           string    `json:"description,omitempty" yaml:"description"`
	AllowedTools          []string  `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	DeniedTools           []string  `json:"denied_tools,omitempty" yaml:"denied_tools"`
	CapabilityServers     []string  `json:"capability_servers,omitempty" yaml:"capability_servers"`
	WorkspaceJailTemplate string    `json:"workspace_jail_template" yaml:"workspace_jail_template"`
	ReadOnly              bool      `json:"read_only" yaml:"read_only"`
	CostPerTaskUSD        float64   `json:"cost_per_task_usd" yaml:"cost_per_task_usd"`
}

// SpawnRequest is one invocation of a worker. TimeoutSeconds nil means the
// configured default; an explicit zero is honored and expires immediately.
type SpawnRequest struct {
	AgentType      string `json:"agent_type"`
	Task           string `json:"task"`
	WorkspaceDir   string `json:"workspace_dir"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
	RequestedBy    string `json:"requested_by,omitempty"`
}

// Terminal spawn statuses. Every attempt that reaches the launcher resolves
// to exactly one of these.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// SpawnResult is the terminal outcome of a spawn. Built once by the
// collector, immutable thereafter.
type SpawnResult struct {
	Status       string `json:"status" enum:"success,failure,timeout,error"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	// EstimatedCostUSD is the agent type's flat per-task estimate. It is not
	// a metered actual.
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	StartedAt            string  `json:"started_at" format:"date-time"`
	CompletedAt          string  `json:"completed_at" format:"date-time"`
}

// AuditRecord is the durable, append-only row for one spawn attempt.
type AuditRecord struct {
	ID                   string  `json:"id"`
	AgentType            string  `json:"agent_type"`
	Task                 string  `json:"task"`
	WorkspaceDir         string  `json:"workspace_dir"`
	JailRoot             string  `json:"jail_root,omitempty"`
	RequestedBy          string  `json:"requested_by,omitempty"`
	Status               string  `json:"status"`
	Output               string  `json:"output,omitempty"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ExitCode             *int    `json:"exit_code,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	StartedAt            string  `json:"started_at" format:"date-time"`
	CompletedAt          string  `json:"completed_at" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

// CostSummary aggregates metering per agent type.
type CostSummary struct {
	AgentType    string  `json:"agent_type"`
	Spawns       int     `json:"spawns"`
	Successes    int     `json:"successes"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalSeconds float64 `json:"total_seconds"`
}
