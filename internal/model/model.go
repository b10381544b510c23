// Package model defines the durable entities of the zerg-core runtime:
// agents, threads, messages, runs, workflows and their executions.
package model

import "time"

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusError   AgentStatus = "error"
)

// Agent is a configured model + instructions + tool allowlist: the unit of work.
type Agent struct {
	ID               string
	OwnerID          string
	SystemInstr      string
	TaskInstr        string
	Model            string
	CronSchedule     string // empty means unscheduled
	ToolAllowlist    []string
	Status           AgentStatus
	LastError        string
	LastRunAt        *time.Time
	NextRunAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ThreadType identifies how a Thread was created.
type ThreadType string

const (
	ThreadTypeManual   ThreadType = "manual"
	ThreadTypeSchedule ThreadType = "schedule"
	ThreadTypeTrigger  ThreadType = "trigger"
	ThreadTypeChat     ThreadType = "chat"
	ThreadTypeWorkflow ThreadType = "workflow"
)

// Thread is an append-only ordered conversation log belonging to one agent.
type Thread struct {
	ID        string
	AgentID   string
	Type      ThreadType
	CreatedAt time.Time
}

// MessageRole identifies the originator of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message is one immutable, totally-ordered entry in a Thread.
type Message struct {
	ID         string
	ThreadID   string
	Role       MessageRole
	Content    string
	ToolName   string
	ToolCallID string
	// Timestamp is monotonic within a thread: ordering is enforced by the
	// persistence layer, not by wall-clock comparison alone.
	Timestamp time.Time
	Seq       int64
}

// RunStatus is the lifecycle status of an AgentRun.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunTrigger identifies what caused an AgentRun to be dispatched.
type RunTrigger string

const (
	RunTriggerManual  RunTrigger = "manual"
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerAPI     RunTrigger = "api"
	RunTriggerWebhook RunTrigger = "webhook"
)

// AgentRun is the immutable log of one agent execution.
type AgentRun struct {
	ID          string
	AgentID     string
	ThreadID    string
	Status      RunStatus
	Trigger     RunTrigger
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMs  int64
	TotalTokens int
	TotalCostUSD float64
	Error       string
	Summary     string
	CreatedAt   time.Time
}

// IsTerminal reports whether the run has reached success or failed.
func (r RunStatus) IsTerminal() bool {
	return r == RunStatusSuccess || r == RunStatusFailed
}

// CanTransition reports whether moving from r to next respects the
// queued -> running -> {success, failed} partial order.
func (r RunStatus) CanTransition(next RunStatus) bool {
	switch r {
	case RunStatusQueued:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusSuccess || next == RunStatusFailed
	default:
		return false
	}
}

// NodeType identifies the kind of a Workflow node.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeTool      NodeType = "tool"
	NodeTypeCondition NodeType = "condition"
)

// WorkflowNode is a single typed node in a workflow canvas.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	AgentID  string         `json:"agent_id,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	// Expr is the boolean expression a condition node evaluates over
	// predecessor outputs. Unused by other node types.
	Expr    string         `json:"expr,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	IsEntry bool           `json:"is_entry,omitempty"`
	// ArgsSchema is a JSON Schema document a tool node's Args must satisfy,
	// checked once at Validate time rather than on every dispatch.
	ArgsSchema string `json:"args_schema,omitempty"`
}

// WorkflowEdge connects two nodes, optionally labelled for condition branches.
type WorkflowEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"` // "true" / "false" for condition fan-out
}

// Workflow is a DAG of typed nodes defining a composite computation.
type Workflow struct {
	ID        string
	OwnerID   string
	Name      string
	Nodes     []WorkflowNode
	Edges     []WorkflowEdge
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionStatus is the lifecycle status of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// WorkflowExecution is one run of a Workflow.
type WorkflowExecution struct {
	ID             string
	WorkflowID     string
	Status         ExecutionStatus
	NodeOutputs    map[string]any
	CompletedNodes map[string]bool
	Error          string
	RunIDs         []string // AgentRuns spawned by agent nodes
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Trigger is a webhook trigger bound to one agent, authenticated by HMAC.
type Trigger struct {
	ID      string
	AgentID string
	Secret  string
	Active  bool
}
