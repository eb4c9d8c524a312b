package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cortex/internal/config"
	"cortex/internal/events"
	"cortex/internal/executor"
	"cortex/internal/perception"
	"cortex/internal/types"
)

func testConfig(t *testing.T, approvalMode string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Tools.WorkspaceRoot = t.TempDir()
	cfg.Tools.ApprovalMode = approvalMode
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, client types.LLMClient) *Pipeline {
	t.Helper()
	p, err := New(Options{Config: cfg, Client: client, Stream: events.NewStream()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func userTurn(content string) types.Thread {
	return types.Thread{{Role: types.RoleUser, Content: content}}
}

func textResp(text string) *types.LLMToolResponse {
	return &types.LLMToolResponse{Text: text, FinishReason: types.FinishEndTurn}
}

func TestTurn_AckOnly(t *testing.T) {
	client := perception.NewMockClient("Noted.")
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	resp := p.RunTurn(context.Background(), userTurn("ok"))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyDirect {
		t.Errorf("strategy = %q, want direct", resp.Metadata.Strategy)
	}
	if resp.Text != "Noted." {
		t.Errorf("text = %q", resp.Text)
	}

	// The ack contract halves the assistant's 500-token base budget.
	req := client.Requests()[0]
	if req.MaxTokens != 250 {
		t.Errorf("maxTokens = %d, want 250", req.MaxTokens)
	}
}

func TestTurn_InvestigateRunsTaskLoop(t *testing.T) {
	client := perception.NewScriptedClient(
		textResp("I have completed my task."),
		textResp("There are three test files under internal/."),
	)
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	resp := p.RunTurn(context.Background(), userTurn("Find all test files in the project."))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyTask {
		t.Errorf("strategy = %q, want task", resp.Metadata.Strategy)
	}
	if resp.Metadata.Role != "researcher" {
		t.Errorf("role = %q, want researcher", resp.Metadata.Role)
	}
	if resp.Text != "There are three test files under internal/." {
		t.Errorf("text = %q", resp.Text)
	}

	// The task request carries the investigation tool schemas.
	req := client.Requests()[0]
	var names []string
	for _, d := range req.Tools {
		names = append(names, d.Name)
	}
	for _, want := range []string{"list_directory", "read_file", "search"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("tool %q missing from task request (have %v)", want, names)
		}
	}
}

func TestTurn_ForecastFansOut(t *testing.T) {
	client := perception.NewMockClient("scrutiny of the claim")
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	resp := p.RunTurn(context.Background(), userTurn("This will definitely double by Q4."))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyParallel {
		t.Errorf("strategy = %q, want parallel", resp.Metadata.Strategy)
	}
	for _, want := range []string{"## planner", "## critic"} {
		if !strings.Contains(resp.Text, want) {
			t.Errorf("response missing %q section:\n%s", want, resp.Text)
		}
	}
}

func TestTurn_ExecuteWithDeniedApproval(t *testing.T) {
	cfg := testConfig(t, "auto-deny")
	client := perception.NewScriptedClient(
		&types.LLMToolResponse{
			ToolCalls: []types.ToolCall{{
				ID:    "w1",
				Name:  "write_file",
				Input: map[string]any{"path": "notes.txt", "content": "hello"},
			}},
			FinishReason: types.FinishToolUse,
		},
		textResp("I have completed my task."),
		textResp("The file write was not permitted, so nothing was created."),
	)
	p := newPipeline(t, cfg, client)

	resp := p.RunTurn(context.Background(), userTurn("Create a file notes.txt with content hello."))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyTask {
		t.Errorf("strategy = %q, want task", resp.Metadata.Strategy)
	}

	// No side effect on denial.
	if _, err := os.Stat(filepath.Join(cfg.Tools.WorkspaceRoot, "notes.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("denied write_file still created the file")
	}

	// The denial travels back to the model as a tool message.
	second := client.Requests()[1]
	last := second.Thread[len(second.Thread)-1]
	if last.Role != types.RoleTool || last.Tag != types.TagToolDenial {
		t.Errorf("denial message = %+v", last)
	}
}

func TestTurn_PolicyBlockedFallsBackToDirect(t *testing.T) {
	cfg := testConfig(t, "auto-approve")
	cfg.Limits.MaxFanout = 1 // forces the two-role forecast plan to be blocked
	client := perception.NewMockClient("I cannot run the full review, here is a brief take.")
	p := newPipeline(t, cfg, client)

	resp := p.RunTurn(context.Background(), userTurn("This will definitely double by Q4."))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback executor engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyDirect {
		t.Errorf("strategy = %q, want the synthesized direct plan", resp.Metadata.Strategy)
	}
	if resp.Metadata.ErrorCode != executor.CodeFanout {
		t.Errorf("code = %q, want E_FANOUT naming the blocked plan's violation", resp.Metadata.ErrorCode)
	}
}

func TestTurn_ClarifyDirect(t *testing.T) {
	client := perception.NewMockClient("Which file do you mean?")
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	resp := p.RunTurn(context.Background(), userTurn("Fix it."))
	if resp.Metadata.Fallback {
		t.Fatalf("fallback engaged: %+v", resp.Metadata)
	}
	if resp.Metadata.Strategy != types.StrategyDirect {
		t.Errorf("strategy = %q, want direct", resp.Metadata.Strategy)
	}
}

func TestTurn_ProviderFailureFallsBack(t *testing.T) {
	client := perception.NewMockClient("unused")
	client.Fail(errors.New("connection refused"))
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	resp := p.RunTurn(context.Background(), userTurn("ok"))
	if !resp.Metadata.Fallback {
		t.Fatal("fallback not engaged for a dead provider")
	}
	if resp.Metadata.ErrorCode != executor.CodeProvider {
		t.Errorf("code = %s, want E_PROVIDER", resp.Metadata.ErrorCode)
	}
	if resp.Text == "" {
		t.Error("empty fallback response")
	}
}

func TestTurn_CancelledContextReportsAbort(t *testing.T) {
	client := perception.NewMockClient("unused")
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := p.RunTurn(ctx, userTurn("ok"))
	if !resp.Metadata.Fallback {
		t.Fatal("fallback not engaged for a cancelled turn")
	}
	if resp.Metadata.ErrorCode != executor.CodeAbort {
		t.Errorf("code = %s, want E_ABORT", resp.Metadata.ErrorCode)
	}
	if !resp.Metadata.Interrupted {
		t.Error("cancelled turn not marked interrupted")
	}
}

func TestTurn_EventTreeStructure(t *testing.T) {
	stream := events.NewStream()
	recorder := events.NewRecorder(stream)
	cfg := testConfig(t, "auto-approve")

	p, err := New(Options{Config: cfg, Client: perception.NewMockClient("hi"), Stream: stream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.RunTurn(context.Background(), userTurn("ok"))
	p.Close()

	evs := recorder.Events()
	var sessionID, pipelineID string
	for _, ev := range evs {
		if ev.BoundaryType == events.BoundarySession && ev.EventRole == events.RoleBoundaryStart {
			sessionID = ev.BoundaryID
		}
		if ev.BoundaryType == events.BoundaryPipeline && ev.EventRole == events.RoleBoundaryStart {
			pipelineID = ev.BoundaryID
			if ev.ParentBoundaryID != sessionID {
				t.Error("pipeline boundary not parented to the session")
			}
		}
		if ev.BoundaryType == events.BoundaryExecution && ev.EventRole == events.RoleBoundaryStart {
			if ev.ParentBoundaryID != pipelineID {
				t.Error("execution boundary not parented to the pipeline")
			}
		}
	}
	if sessionID == "" || pipelineID == "" {
		t.Fatalf("missing boundaries in event stream (%d events)", len(evs))
	}
	if len(recorder.ByType(events.BoundaryLLMExchange)) == 0 {
		t.Error("no llm_exchange boundary recorded")
	}
}

func TestTurn_TurnIndexAdvances(t *testing.T) {
	client := perception.NewMockClient("hello")
	p := newPipeline(t, testConfig(t, "auto-approve"), client)

	first := p.RunTurn(context.Background(), userTurn("ok"))
	second := p.RunTurn(context.Background(), userTurn("ok"))
	if first.Metadata.Fallback || second.Metadata.Fallback {
		t.Fatal("fallback engaged on simple turns")
	}
	if p.turn != 2 {
		t.Errorf("turn = %d, want 2", p.turn)
	}
}
