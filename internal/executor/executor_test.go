package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"cortex/internal/approval"
	"cortex/internal/compose"
	"cortex/internal/config"
	"cortex/internal/module"
	"cortex/internal/perception"
	"cortex/internal/task"
	"cortex/internal/types"
)

type fakeTools struct {
	invocations int
}

func (f *fakeTools) Discover(ctx context.Context) (map[string]types.ToolDefinition, error) {
	return nil, nil
}

func (f *fakeTools) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	f.invocations++
	return "ok", nil
}

func (f *fakeTools) Definitions(names ...string) []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, types.ToolDefinition{Name: name, Description: name})
	}
	return defs
}

func newExecutor(client types.LLMClient) *Executor {
	return New(
		client,
		compose.New(module.Default()),
		&fakeTools{},
		approval.New(approval.ModeAutoApprove, nil),
		config.PolicyLimits{MaxDepth: 4, MaxFanout: 3, MaxChildren: 6},
		nil,
	)
}

func TestDirect(t *testing.T) {
	e := newExecutor(perception.NewMockClient("Hello there."))

	resp, err := e.Execute(context.Background(), Request{
		Plan:    &types.ExecutionPlan{Name: "chat", Strategy: types.StrategyDirect, Role: "assistant"},
		FactMap: types.FactMap{},
		Input:   "hi",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "Hello there." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Metadata.Strategy != types.StrategyDirect || resp.Metadata.Role != "assistant" {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
}

// flakyClient fails the first n calls with a provider error, then delegates.
type flakyClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    types.LLMClient
}

func (c *flakyClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.inner.Complete(ctx, prompt)
}

func (c *flakyClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return c.inner.CompleteWithSystem(ctx, system, user)
}

func (c *flakyClient) CompleteThread(ctx context.Context, req types.CompletionRequest) (*types.LLMToolResponse, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.failures
	c.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: connection reset", perception.ErrProvider)
	}
	return c.inner.CompleteThread(ctx, req)
}

func TestDirect_RetriesOnceOnProviderError(t *testing.T) {
	client := &flakyClient{failures: 1, inner: perception.NewMockClient("recovered answer")}
	e := newExecutor(client)

	resp, err := e.Execute(context.Background(), Request{
		Plan:    &types.ExecutionPlan{Name: "chat", Strategy: types.StrategyDirect},
		FactMap: types.FactMap{},
		Input:   "hi",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "recovered answer" {
		t.Errorf("text = %q", resp.Text)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", client.calls)
	}
}

func TestDirect_SecondFailureEscalates(t *testing.T) {
	client := &flakyClient{failures: 2, inner: perception.NewMockClient("never reached")}
	e := newExecutor(client)

	_, err := e.Execute(context.Background(), Request{
		Plan:    &types.ExecutionPlan{Name: "chat", Strategy: types.StrategyDirect},
		FactMap: types.FactMap{},
		Input:   "hi",
	})
	if err == nil {
		t.Fatal("Execute succeeded after two provider failures")
	}
	if ClassifyError(err) != CodeProvider {
		t.Errorf("code = %s, want E_PROVIDER", ClassifyError(err))
	}
}

func TestSequential_LastResult(t *testing.T) {
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{Text: "outline", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "critique", FinishReason: types.FinishEndTurn},
	)
	e := newExecutor(client)

	resp, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "plan-then-check",
			Strategy: types.StrategySequential,
			Sequence: []types.PlanStep{{Role: "planner"}, {Role: "critic"}},
		},
		FactMap: types.FactMap{},
		Input:   "evaluate this",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "critique" {
		t.Errorf("text = %q, want the last step's output", resp.Text)
	}
	if resp.Metadata.Role != "critic" {
		t.Errorf("role = %q", resp.Metadata.Role)
	}
}

func TestSequential_LabelAggregation(t *testing.T) {
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{Text: "outline", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "critique", FinishReason: types.FinishEndTurn},
	)
	e := newExecutor(client)

	resp, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:           "plan-then-check",
			Strategy:       types.StrategySequential,
			Sequence:       []types.PlanStep{{Role: "planner"}, {Role: "critic"}},
			ResultStrategy: types.ResultLabel,
		},
		FactMap: types.FactMap{},
		Input:   "evaluate this",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"## planner", "outline", "## critic", "critique"} {
		if !strings.Contains(resp.Text, want) {
			t.Errorf("text missing %q:\n%s", want, resp.Text)
		}
	}
}

func TestSequential_BuildThreadContinues(t *testing.T) {
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{Text: "first findings", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "refined", FinishReason: types.FinishEndTurn},
	)
	e := newExecutor(client)

	_, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "dig-then-refine",
			Strategy: types.StrategySequential,
			Sequence: []types.PlanStep{
				{Role: "researcher"},
				{Role: "critic", BuildThread: true},
			},
		},
		FactMap: types.FactMap{},
		Input:   "investigate",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The continuation step must see the first step's output in its thread.
	second := client.Requests()[1]
	found := false
	for _, m := range second.Thread {
		if m.Role == types.RoleAssistant && m.Content == "first findings" {
			found = true
		}
	}
	if !found {
		t.Error("continuation step did not carry the prior step's response")
	}
}

func TestSequential_TaskStepRunsLoop(t *testing.T) {
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{Text: "survey notes", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "I have completed my task.", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "applied the fix", FinishReason: types.FinishEndTurn},
	)
	e := newExecutor(client)

	resp, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "survey-then-fix",
			Strategy: types.StrategySequential,
			Sequence: []types.PlanStep{
				{Role: "researcher"},
				{Role: "executor", Strategy: types.StrategyTask},
			},
		},
		FactMap: types.FactMap{},
		Input:   "fix the flaky test",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "applied the fix" {
		t.Errorf("text = %q, want the task step's synthesis answer", resp.Text)
	}

	// The task step ends with a synthesis exchange.
	reqs := client.Requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3 (direct step + task cycle + synthesis)", len(reqs))
	}
	last := reqs[2].Thread[len(reqs[2].Thread)-1]
	if last.Content != task.SynthesisPrompt {
		t.Errorf("final request does not end with the synthesis prompt: %+v", last)
	}
}

func TestSequential_UnsupportedStepStrategy(t *testing.T) {
	e := newExecutor(perception.NewMockClient("x"))

	_, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "odd-steps",
			Strategy: types.StrategySequential,
			Sequence: []types.PlanStep{{Role: "a", Strategy: "parallel"}},
		},
		FactMap: types.FactMap{},
	})
	if ClassifyError(err) != CodeUnknown {
		t.Errorf("code = %s, want E_UNKNOWN", ClassifyError(err))
	}
}

func TestSequential_ChildrenLimit(t *testing.T) {
	e := newExecutor(perception.NewMockClient("x"))
	e.limits.MaxChildren = 2

	_, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "too-long",
			Strategy: types.StrategySequential,
			Sequence: []types.PlanStep{{Role: "a"}, {Role: "b"}, {Role: "c"}},
		},
		FactMap: types.FactMap{},
	})
	if ClassifyError(err) != CodeChildren {
		t.Errorf("code = %s, want E_CHILDREN", ClassifyError(err))
	}
}

func TestParallel_LabelAggregation(t *testing.T) {
	e := newExecutor(perception.NewMockClient("branch view"))

	resp, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "explore-analyze-par",
			Strategy: types.StrategyParallel,
			Roles:    []string{"researcher", "critic"},
		},
		FactMap: types.FactMap{},
		Input:   "look into it",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"## researcher", "## critic", "branch view"} {
		if !strings.Contains(resp.Text, want) {
			t.Errorf("text missing %q:\n%s", want, resp.Text)
		}
	}
	// Branch order in the output follows plan role order.
	if strings.Index(resp.Text, "## researcher") > strings.Index(resp.Text, "## critic") {
		t.Error("branch sections out of order")
	}
}

func TestParallel_BranchesCarryToolInstructions(t *testing.T) {
	client := perception.NewMockClient("branch view")
	e := newExecutor(client)

	_, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "explore-analyze-par",
			Strategy: types.StrategyParallel,
			Roles:    []string{"researcher", "critic"},
			Tools:    []string{"search"},
		},
		FactMap: types.FactMap{},
		Input:   "look into it",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i, req := range client.Requests() {
		if len(req.Tools) != 1 || req.Tools[0].Name != "search" {
			t.Errorf("branch request %d tools = %v", i, req.Tools)
		}
		system := req.Thread[0]
		if system.Role != types.RoleSystem || !strings.Contains(system.Content, "- search:") {
			t.Errorf("branch request %d system message missing tool instructions:\n%s", i, system.Content)
		}
	}
}

func TestParallel_FanoutGuard(t *testing.T) {
	e := newExecutor(perception.NewMockClient("x"))

	_, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "too-wide",
			Strategy: types.StrategyParallel,
			Roles:    []string{"a", "b", "c", "d"},
		},
		FactMap: types.FactMap{},
	})
	if ClassifyError(err) != CodeFanout {
		t.Errorf("code = %s, want E_FANOUT", ClassifyError(err))
	}
}

func TestTask_Dispatch(t *testing.T) {
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{Text: "I have completed my task.", FinishReason: types.FinishEndTurn},
		&types.LLMToolResponse{Text: "All files accounted for.", FinishReason: types.FinishEndTurn},
	)
	e := newExecutor(client)

	resp, err := e.Execute(context.Background(), Request{
		Plan: &types.ExecutionPlan{
			Name:     "investigate-task",
			Strategy: types.StrategyTask,
			Role:     "researcher",
			Tools:    []string{"list_directory", "read_file", "search"},
		},
		FactMap: types.FactMap{},
		Input:   "find the tests",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "All files accounted for." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Metadata.Strategy != types.StrategyTask || resp.Metadata.Role != "researcher" {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
}

func TestUnknownStrategy(t *testing.T) {
	e := newExecutor(perception.NewMockClient("x"))

	_, err := e.Execute(context.Background(), Request{
		Plan:    &types.ExecutionPlan{Name: "odd", Strategy: "quantum"},
		FactMap: types.FactMap{},
	})
	if ClassifyError(err) != CodeUnknown {
		t.Errorf("code = %s, want E_UNKNOWN", ClassifyError(err))
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, CodeAbort},
		{context.DeadlineExceeded, CodeTimeout},
		{fmt.Errorf("%w: boom", perception.ErrProvider), CodeProvider},
		{Coded(CodeFanout, errors.New("wide")), CodeFanout},
		{errors.New("mystery"), CodeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
