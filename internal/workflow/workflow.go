// Package workflow compiles a canvas DAG to an executable state graph
// and runs it with concurrent node fan-out: a DAG Validate pass, a
// Kahn's-algorithm topological sort into waves, and bus-driven
// completion tracking over typed canvas nodes
// (trigger/agent/tool/condition) with partial-state merge.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerg-platform/zerg-core/internal/apierr"
	"github.com/zerg-platform/zerg-core/internal/eventbus"
	"github.com/zerg-platform/zerg-core/internal/model"
	zotel "github.com/zerg-platform/zerg-core/internal/otel"
	"github.com/zerg-platform/zerg-core/internal/store"
	"github.com/zerg-platform/zerg-core/internal/taskrunner"
)

// AgentTaskRunner is the narrow dependency an agent node needs: invoke
// the Task Runner for a referenced agent with thread_type=workflow.
type AgentTaskRunner interface {
	Run(ctx context.Context, req taskrunner.Request) (*taskrunner.Result, error)
}

// ToolExecutor resolves and invokes a named tool for tool nodes.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Engine executes workflow canvases.
type Engine struct {
	store  *store.Store
	bus    *eventbus.Bus
	runner AgentTaskRunner
	tools  ToolExecutor
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // execution_id -> cancel
}

// Config wires an Engine's dependencies.
type Config struct {
	Store  *store.Store
	Bus    *eventbus.Bus
	Runner AgentTaskRunner
	Tools  ToolExecutor
	Logger *slog.Logger
	Tracer trace.Tracer // optional; nil disables span recording
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: cfg.Store, bus: cfg.Bus, runner: cfg.Runner, tools: cfg.Tools,
		logger: logger, tracer: cfg.Tracer, cancels: make(map[string]context.CancelFunc),
	}
}

// Validate checks a canvas is well-formed: acyclic, exactly one trigger
// entry, every edge's endpoints exist. It does not check agent/tool
// existence — callers that know the live agent/tool registry should
// pass a ExistenceChecker to ValidateWithExistence.
func Validate(w *model.Workflow) error {
	return ValidateWithExistence(w, nil)
}

// ExistenceChecker reports whether an agent or tool referenced by a
// node actually exists, so validation can catch dangling references.
type ExistenceChecker interface {
	AgentExists(id string) bool
	ToolExists(name string) bool
}

// ValidateWithExistence validates a canvas, optionally checking that
// every referenced agent/tool exists.
func ValidateWithExistence(w *model.Workflow, exist ExistenceChecker) error {
	var fields []string

	if len(w.Nodes) == 0 {
		return apierr.WorkflowValidation([]string{"nodes: workflow has no nodes"})
	}

	nodeByID := make(map[string]model.WorkflowNode, len(w.Nodes))
	entryCount := 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			fields = append(fields, "nodes: node has empty id")
			continue
		}
		if _, dup := nodeByID[n.ID]; dup {
			fields = append(fields, fmt.Sprintf("nodes[%s]: duplicate node id", n.ID))
		}
		nodeByID[n.ID] = n
		if n.IsEntry {
			entryCount++
		}
		if n.Type == model.NodeTypeAgent && exist != nil && !exist.AgentExists(n.AgentID) {
			fields = append(fields, fmt.Sprintf("nodes[%s]: agent %q does not exist", n.ID, n.AgentID))
		}
		if n.Type == model.NodeTypeTool && exist != nil && !exist.ToolExists(n.ToolName) {
			fields = append(fields, fmt.Sprintf("nodes[%s]: tool %q does not exist", n.ID, n.ToolName))
		}
		if n.Type == model.NodeTypeTool && n.ArgsSchema != "" {
			if err := validateArgsSchema(n.ArgsSchema, n.Args); err != nil {
				fields = append(fields, fmt.Sprintf("nodes[%s]: args_schema: %s", n.ID, err.Error()))
			}
		}
	}
	if entryCount != 1 {
		fields = append(fields, fmt.Sprintf("nodes: expected exactly one entry node, found %d", entryCount))
	}

	inbound := make(map[string]int)
	for _, e := range w.Edges {
		if _, ok := nodeByID[e.From]; !ok {
			fields = append(fields, fmt.Sprintf("edges: edge references unknown source %q", e.From))
		}
		if _, ok := nodeByID[e.To]; !ok {
			fields = append(fields, fmt.Sprintf("edges: edge references unknown target %q", e.To))
		}
		inbound[e.To]++
	}
	for _, n := range w.Nodes {
		if n.Type != model.NodeTypeTrigger && !n.IsEntry && inbound[n.ID] == 0 {
			fields = append(fields, fmt.Sprintf("nodes[%s]: non-trigger node has no inbound edge", n.ID))
		}
	}

	if len(fields) == 0 {
		if _, err := topoSortWaves(w.Nodes, w.Edges); err != nil {
			fields = append(fields, err.Error())
		}
	}

	if len(fields) > 0 {
		return apierr.WorkflowValidation(fields)
	}
	return nil
}

// validateArgsSchema checks a tool node's Args against its declared JSON
// Schema at compile time, so a malformed node fails Validate rather than
// the mid-run tool dispatch.
func validateArgsSchema(schemaJSON string, args map[string]any) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("node-args.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("node-args.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("args do not satisfy schema: %w", err)
	}
	return nil
}

// topoSortWaves groups nodes into concurrency waves by Kahn's algorithm,
// ignoring edge labels (used only for cycle detection at validation time).
func topoSortWaves(nodes []model.WorkflowNode, edges []model.WorkflowEdge) ([][]string, error) {
	indeg := make(map[string]int, len(nodes))
	outgoing := make(map[string][]string)
	for _, n := range nodes {
		indeg[n.ID] = 0
	}
	for _, e := range edges {
		indeg[e.To]++
		outgoing[e.From] = append(outgoing[e.From], e.To)
	}

	var waves [][]string
	processed := make(map[string]bool, len(nodes))
	for len(processed) < len(nodes) {
		var wave []string
		for _, n := range nodes {
			if processed[n.ID] {
				continue
			}
			if indeg[n.ID] == 0 {
				wave = append(wave, n.ID)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("edges: cycle detected in workflow graph")
		}
		for _, id := range wave {
			processed[id] = true
			for _, next := range outgoing[id] {
				indeg[next]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// execState is the shared, mutation-serialized record for one execution.
type execState struct {
	nodeOutputs    map[string]any
	completedNodes map[string]bool
	skippedNodes   map[string]bool
	branches       map[string]string // condition node id -> chosen branch
	failed         bool
	errMsg         string
}

// partialUpdate is what a node task returns to be merged into execState.
type partialUpdate struct {
	nodeID string
	output any
	branch string // non-empty only for condition nodes
	skip   bool
	err    error
}

// Start begins execution of workflowID, returning the created execution's ID.
func (e *Engine) Start(ctx context.Context, workflowID string, triggerPayload map[string]any) (string, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = zotel.StartSpan(ctx, e.tracer, "workflow.start", zotel.AttrWorkflowID.String(workflowID))
		defer span.End()
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := Validate(wf); err != nil {
		return "", err
	}

	exec := &model.WorkflowExecution{
		ID: uuid.NewString(), WorkflowID: workflowID, Status: model.ExecutionStatusRunning,
		NodeOutputs: map[string]any{}, CompletedNodes: map[string]bool{}, StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	go e.run(wf, exec.ID, triggerPayload)
	return exec.ID, nil
}

// ResumeAll restarts execution of every non-terminal WorkflowExecution
// from its latest checkpoint, called on process startup.
func (e *Engine) ResumeAll(ctx context.Context) error {
	pending, err := e.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return err
	}
	for _, exec := range pending {
		wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
		if err != nil {
			e.logger.Error("workflow resume: load workflow failed", "execution_id", exec.ID, "error", err)
			continue
		}
		go e.resumeFromCheckpoint(wf, exec)
	}
	return nil
}

func (e *Engine) resumeFromCheckpoint(wf *model.Workflow, exec *model.WorkflowExecution) {
	st := &execState{
		nodeOutputs:    exec.NodeOutputs,
		completedNodes: exec.CompletedNodes,
		skippedNodes:   map[string]bool{},
		branches:       map[string]string{},
	}
	if st.nodeOutputs == nil {
		st.nodeOutputs = map[string]any{}
	}
	if st.completedNodes == nil {
		st.completedNodes = map[string]bool{}
	}
	e.driveToCompletion(context.Background(), wf, exec.ID, st)
}

// CancelExecution cooperatively cancels a running execution.
func (e *Engine) CancelExecution(executionID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) run(wf *model.Workflow, executionID string, triggerPayload map[string]any) {
	st := &execState{
		nodeOutputs:    map[string]any{},
		completedNodes: map[string]bool{},
		skippedNodes:   map[string]bool{},
		branches:       map[string]string{},
	}
	for _, n := range wf.Nodes {
		if n.Type == model.NodeTypeTrigger {
			st.nodeOutputs[n.ID] = triggerPayload
			st.completedNodes[n.ID] = true
		}
	}
	e.driveToCompletion(context.Background(), wf, executionID, st)
}

// driveToCompletion runs the ready-node scheduling loop until no nodes
// remain, a failure occurs, or the execution is cancelled.
func (e *Engine) driveToCompletion(parentCtx context.Context, wf *model.Workflow, executionID string, st *execState) {
	ctx, cancel := context.WithCancel(parentCtx)
	e.mu.Lock()
	e.cancels[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, executionID)
		e.mu.Unlock()
		cancel()
	}()

	inbound := make(map[string][]model.WorkflowEdge)
	nodeByID := make(map[string]model.WorkflowNode)
	for _, n := range wf.Nodes {
		nodeByID[n.ID] = n
	}
	for _, ed := range wf.Edges {
		inbound[ed.To] = append(inbound[ed.To], ed)
	}

	startedAt := time.Now().UTC()
	inFlight := map[string]bool{}
	// Buffered to the worst case (every node in flight at once) so a node
	// failure that breaks the loop early never leaves a sibling goroutine
	// blocked forever on an abandoned send.
	results := make(chan partialUpdate, len(wf.Nodes))

	for {
		if st.failed {
			break
		}
		ready := e.findReady(wf.Nodes, inbound, st, inFlight)
		if len(ready) == 0 && len(inFlight) == 0 {
			break // nothing left schedulable: either done, or deadlocked (treated as done)
		}
		for _, n := range ready {
			inFlight[n.ID] = true
			node := n
			go func() {
				results <- e.runNode(ctx, executionID, node, st)
			}()
		}
		if len(inFlight) == 0 {
			continue
		}
		update := <-results
		delete(inFlight, update.nodeID)
		e.mergePartial(ctx, wf, executionID, st, update)
		_ = e.checkpoint(executionID, st)
	}

	duration := time.Since(startedAt).Milliseconds()
	status := model.ExecutionStatusSuccess
	if st.failed {
		status = model.ExecutionStatusFailed
	}
	finishedAt := time.Now().UTC()
	exec := &model.WorkflowExecution{
		ID: executionID, WorkflowID: wf.ID, Status: status, Error: st.errMsg,
		NodeOutputs: st.nodeOutputs, CompletedNodes: st.completedNodes, FinishedAt: &finishedAt,
	}
	if err := e.store.PersistExecutionCheckpoint(context.Background(), exec); err != nil {
		e.logger.Error("workflow: final checkpoint failed", "execution_id", executionID, "error", err)
	}
	e.bus.Publish(eventbus.EventExecutionFinished, eventbus.ExecutionFinishedPayload{
		ExecutionID: executionID, Status: string(status), DurationMs: duration, Error: st.errMsg,
	})
}

// findReady returns every node whose predecessors are all resolved
// (completed or skipped) and which is itself neither completed, skipped,
// nor currently in flight. A node with all-skipped-or-mismatched-branch
// predecessors is itself marked skipped rather than scheduled.
func (e *Engine) findReady(nodes []model.WorkflowNode, inbound map[string][]model.WorkflowEdge, st *execState, inFlight map[string]bool) []model.WorkflowNode {
	var ready []model.WorkflowNode
	for _, n := range nodes {
		if st.completedNodes[n.ID] || st.skippedNodes[n.ID] || inFlight[n.ID] {
			continue
		}
		edges := inbound[n.ID]
		if len(edges) == 0 {
			if n.Type == model.NodeTypeTrigger {
				continue // seeded up front
			}
			ready = append(ready, n)
			continue
		}

		allResolved := true
		anyActive := false
		for _, ed := range edges {
			if !st.completedNodes[ed.From] && !st.skippedNodes[ed.From] {
				allResolved = false
				break
			}
			if st.skippedNodes[ed.From] {
				continue
			}
			if branch, isCond := st.branches[ed.From]; isCond {
				if ed.Label == branch {
					anyActive = true
				}
			} else {
				anyActive = true
			}
		}
		if !allResolved {
			continue
		}
		if !anyActive {
			st.skippedNodes[n.ID] = true
			continue
		}
		ready = append(ready, n)
	}
	return ready
}

func (e *Engine) mergePartial(ctx context.Context, wf *model.Workflow, executionID string, st *execState, u partialUpdate) {
	if u.skip {
		st.skippedNodes[u.nodeID] = true
		return
	}
	if u.err != nil {
		st.failed = true
		st.errMsg = u.err.Error()
		e.bus.Publish(eventbus.EventNodeState, eventbus.NodeStatePayload{
			ExecutionID: executionID, NodeID: u.nodeID, Status: "failed", Error: u.err.Error(),
		})
		return
	}
	st.nodeOutputs[u.nodeID] = u.output
	st.completedNodes[u.nodeID] = true
	if u.branch != "" {
		st.branches[u.nodeID] = u.branch
	}
	e.bus.Publish(eventbus.EventNodeState, eventbus.NodeStatePayload{
		ExecutionID: executionID, NodeID: u.nodeID, Status: "success",
	})
}

func (e *Engine) checkpoint(executionID string, st *execState) error {
	return e.store.PersistExecutionCheckpoint(context.Background(), &model.WorkflowExecution{
		ID: executionID, Status: model.ExecutionStatusRunning,
		NodeOutputs: st.nodeOutputs, CompletedNodes: st.completedNodes,
	})
}

// runNode executes a single node and returns its partial update. Errors
// here are node-scoped: a node failure does not panic the engine loop.
func (e *Engine) runNode(ctx context.Context, executionID string, node model.WorkflowNode, st *execState) (update partialUpdate) {
	if e.tracer != nil {
		attrs := []attribute.KeyValue{zotel.AttrExecutionID.String(executionID), zotel.AttrNodeID.String(node.ID)}
		switch node.Type {
		case model.NodeTypeAgent:
			attrs = append(attrs, zotel.AttrAgentID.String(node.AgentID))
		case model.NodeTypeTool:
			attrs = append(attrs, zotel.AttrToolName.String(node.ToolName))
		}
		var span trace.Span
		ctx, span = zotel.StartSpan(ctx, e.tracer, "workflow.node", attrs...)
		defer func() {
			if update.err != nil {
				span.RecordError(update.err)
			}
			span.End()
		}()
	}

	e.bus.Publish(eventbus.EventNodeState, eventbus.NodeStatePayload{ExecutionID: executionID, NodeID: node.ID, Status: "running"})

	select {
	case <-ctx.Done():
		return partialUpdate{nodeID: node.ID, skip: true}
	default:
	}

	inputs := e.predecessorInputs(node.ID, st)

	switch node.Type {
	case model.NodeTypeAgent:
		return e.runAgentNode(ctx, executionID, node, inputs)
	case model.NodeTypeTool:
		return e.runToolNode(ctx, executionID, node, inputs)
	case model.NodeTypeCondition:
		return e.runConditionNode(executionID, node, inputs)
	default:
		return partialUpdate{nodeID: node.ID, err: fmt.Errorf("unsupported node type %q", node.Type)}
	}
}

func (e *Engine) predecessorInputs(nodeID string, st *execState) map[string]any {
	// Output merge keyed by node id; a node sees only its own upstream
	// outputs, looked up lazily by the node executors that need them.
	return st.nodeOutputs
}

func (e *Engine) runAgentNode(ctx context.Context, executionID string, node model.WorkflowNode, inputs map[string]any) partialUpdate {
	taskOverride := renderTaskOverride(node, inputs)
	e.bus.Publish(eventbus.EventNodeLog, eventbus.NodeLogPayload{
		ExecutionID: executionID, NodeID: node.ID, Stream: "stdout", Text: "invoking agent " + node.AgentID,
	})
	result, err := e.runner.Run(ctx, taskrunner.Request{
		AgentID: node.AgentID, ThreadType: model.ThreadTypeWorkflow, Trigger: model.RunTriggerManual, TaskOverride: taskOverride,
	})
	if err != nil {
		return partialUpdate{nodeID: node.ID, err: err}
	}
	return partialUpdate{nodeID: node.ID, output: map[string]any{"text": result.FinalText, "run_id": result.RunID}}
}

func (e *Engine) runToolNode(ctx context.Context, executionID string, node model.WorkflowNode, inputs map[string]any) partialUpdate {
	e.bus.Publish(eventbus.EventNodeLog, eventbus.NodeLogPayload{
		ExecutionID: executionID, NodeID: node.ID, Stream: "stdout", Text: "invoking tool " + node.ToolName,
	})
	output, err := e.tools.Execute(ctx, node.ToolName, node.Args)
	if err != nil {
		return partialUpdate{nodeID: node.ID, err: err}
	}
	return partialUpdate{nodeID: node.ID, output: output}
}

func (e *Engine) runConditionNode(executionID string, node model.WorkflowNode, inputs map[string]any) partialUpdate {
	branch, err := evaluateCondition(node.Expr, inputs)
	if err != nil {
		return partialUpdate{nodeID: node.ID, err: err}
	}
	label := "false"
	if branch {
		label = "true"
	}
	return partialUpdate{nodeID: node.ID, output: map[string]any{"branch": label}, branch: label}
}

func renderTaskOverride(node model.WorkflowNode, inputs map[string]any) string {
	var sb strings.Builder
	for k, v := range node.Args {
		fmt.Fprintf(&sb, "%s=%v\n", k, v)
	}
	for k, v := range inputs {
		fmt.Fprintf(&sb, "%s=%v\n", k, v)
	}
	return sb.String()
}

// evaluateCondition supports a minimal comparison grammar
// "<nodeID>.<field> <op> <literal>" with op in {==, !=, >, <}. No
// expression-evaluation library exists in the retrieved example corpus
// (searched for expr/cel/govaluate), so this narrow grammar is
// implemented directly rather than hand-rolling a general evaluator.
func evaluateCondition(expr string, inputs map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []string{"==", "!=", ">", "<"} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.TrimSpace(expr[idx+len(op):])
			leftVal := resolvePath(left, inputs)
			return compare(leftVal, right, op)
		}
	}
	return false, fmt.Errorf("condition: unsupported expression %q", expr)
}

func resolvePath(path string, inputs map[string]any) any {
	parts := strings.SplitN(path, ".", 2)
	root, ok := inputs[parts[0]].(map[string]any)
	if !ok || len(parts) == 1 {
		return inputs[parts[0]]
	}
	return root[parts[1]]
}

func compare(left any, rightLiteral, op string) (bool, error) {
	leftStr := fmt.Sprintf("%v", left)
	rightLiteral = strings.Trim(rightLiteral, `"'`)

	if lf, err1 := strconv.ParseFloat(leftStr, 64); err1 == nil {
		if rf, err2 := strconv.ParseFloat(rightLiteral, 64); err2 == nil {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			}
		}
	}
	switch op {
	case "==":
		return leftStr == rightLiteral, nil
	case "!=":
		return leftStr != rightLiteral, nil
	default:
		return false, fmt.Errorf("condition: operator %q requires numeric operands", op)
	}
}
