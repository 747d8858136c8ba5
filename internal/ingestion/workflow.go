package ingestion

import (
	"context"

	"catalogd/internal/apperrors"
	"catalogd/internal/ingestion/llm"
)

// Reserved tool names the agent calls to leave the ExecutingTools loop and
// hand control to a human or to the caller, instead of an ordinary tool
// dispatch through the registry.
const (
	ToolRequestReview = "request_human_review"
	ToolProposeAction = "propose_action"
)

const DefaultMaxIterations = 32

// Engine drives a Workflow's Started/Thinking/ExecutingTools transitions.
// It owns no state itself; every call operates on the *Workflow passed in,
// so the same Engine can be shared across concurrently-stepped workflows.
type Engine struct {
	provider llm.Provider
	registry *ToolRegistry
}

func NewEngine(provider llm.Provider, registry *ToolRegistry) *Engine {
	return &Engine{provider: provider, registry: registry}
}

// Step advances wf by at most one state transition. It never recurses: a
// Thinking→ExecutingTools transition returns immediately rather than
// running the tools inline, so the caller controls how much work one
// invocation does and can persist a snapshot between calls.
func (e *Engine) Step(ctx context.Context, wf *Workflow) error {
	const op = "ingestion.Engine.Step"

	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(op, apperrors.KindCancelled, err)
	}

	switch wf.State.Kind {
	case StateStarted:
		wf.State = WorkflowState{Kind: StateThinking}
		return nil
	case StateThinking:
		return e.think(ctx, wf)
	case StateExecutingTools:
		return e.executeTools(ctx, wf)
	case StateAwaitingReview:
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "awaiting an external review answer; call ProvideReviewAnswer")
	default:
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "state "+string(wf.State.Kind)+" is caller-driven")
	}
}

func (e *Engine) think(ctx context.Context, wf *Workflow) error {
	const op = "ingestion.Engine.think"

	wf.IterationCount++
	if wf.MaxIterations <= 0 {
		wf.MaxIterations = DefaultMaxIterations
	}
	if wf.IterationCount > wf.MaxIterations {
		wf.State = WorkflowState{Kind: StateFailed, Error: "Maximum iterations exceeded", Recoverable: false}
		return apperrors.New(op, apperrors.KindMaxIterationsExceeded, "maximum iterations exceeded")
	}

	defs := e.registry.Definitions()
	resp, err := e.provider.Complete(ctx, wf.Messages, defs, llm.CompletionOptions{})
	if err != nil {
		wf.State = WorkflowState{Kind: StateFailed, Error: err.Error(), Recoverable: true}
		return err
	}
	wf.Messages = append(wf.Messages, resp.Message)

	if call, ok := firstReservedCall(resp.Message.ToolCalls, ToolRequestReview); ok {
		wf.State = WorkflowState{
			Kind:           StateAwaitingReview,
			ReviewQuestion: stringArg(call.Arguments, "question"),
			ReviewOptions:  reviewOptionsArg(call.Arguments),
		}
		return nil
	}
	if call, ok := firstReservedCall(resp.Message.ToolCalls, ToolProposeAction); ok {
		wf.State = WorkflowState{
			Kind: StateReadyToExecute,
			Action: &PendingAction{
				Name:      stringArg(call.Arguments, "name"),
				Arguments: mapArg(call.Arguments, "arguments"),
			},
		}
		return nil
	}

	if len(resp.Message.ToolCalls) > 0 {
		wf.State = WorkflowState{Kind: StateExecutingTools, PendingToolCalls: resp.Message.ToolCalls}
	} else {
		wf.State = WorkflowState{Kind: StateCompleted, Result: resp.Message.Content}
	}
	return nil
}

func (e *Engine) executeTools(ctx context.Context, wf *Workflow) error {
	for _, call := range wf.State.PendingToolCalls {
		result := e.registry.Execute(ctx, call.Name, call.Arguments)
		wf.Messages = append(wf.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	wf.State = WorkflowState{Kind: StateThinking}
	return nil
}

// ProvideReviewAnswer resolves an AwaitingReview state with the reviewer's
// chosen option, returning the workflow to Thinking so the agent sees the
// answer on its next Step.
func ProvideReviewAnswer(wf *Workflow, selectedOptionID string) error {
	const op = "ingestion.ProvideReviewAnswer"
	if wf.State.Kind != StateAwaitingReview {
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "workflow is not awaiting review")
	}

	wf.State.SelectedOption = selectedOptionID
	wf.Messages = append(wf.Messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Reviewer selected option: " + selectedOptionID,
	})
	wf.State = WorkflowState{Kind: StateThinking}
	return nil
}

// MarkExecuting transitions a ReadyToExecute workflow once the caller has
// decided to run the proposed action.
func MarkExecuting(wf *Workflow) error {
	const op = "ingestion.MarkExecuting"
	if wf.State.Kind != StateReadyToExecute {
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "workflow is not ready to execute")
	}
	wf.State = WorkflowState{Kind: StateExecuting}
	return nil
}

// MarkCompleted and MarkFailed record the caller-driven outcome of an
// Executing state.
func MarkCompleted(wf *Workflow, result string) error {
	const op = "ingestion.MarkCompleted"
	if wf.State.Kind != StateExecuting {
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "workflow is not executing")
	}
	wf.State = WorkflowState{Kind: StateCompleted, Result: result}
	return nil
}

func MarkFailed(wf *Workflow, reason string, recoverable bool) error {
	const op = "ingestion.MarkFailed"
	if wf.State.Kind != StateExecuting {
		return apperrors.New(op, apperrors.KindInvalidStateTransition, "workflow is not executing")
	}
	wf.State = WorkflowState{Kind: StateFailed, Error: reason, Recoverable: recoverable}
	return nil
}

func firstReservedCall(calls []llm.ToolCall, name string) (llm.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == name {
			return c, true
		}
	}
	return llm.ToolCall{}, false
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func mapArg(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}

func reviewOptionsArg(args map[string]any) []ReviewOption {
	raw, ok := args["options"].([]any)
	if !ok {
		return nil
	}
	opts := make([]ReviewOption, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		opts = append(opts, ReviewOption{ID: stringArg(m, "id"), Label: stringArg(m, "label")})
	}
	return opts
}
