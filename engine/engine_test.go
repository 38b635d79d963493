package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/orchestra/config"
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

// fakeRunner maps commands to exit codes; unknown commands exit 0.
type fakeRunner struct {
	codes map[string]int
	runs  []string
}

func (r *fakeRunner) Run(_ context.Context, command string, _ map[string]string) (int, error) {
	r.runs = append(r.runs, command)
	if code, ok := r.codes[command]; ok {
		return code, nil
	}
	return 0, nil
}

// fakeLauncher records launch requests. Safe for concurrent use so the
// autopilot tests can poll it.
type fakeLauncher struct {
	mu       sync.Mutex
	requests []LaunchRequest
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *fakeLauncher) at(i int) LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i]
}

type testEnv struct {
	engine   *Engine
	store    *store.Store
	runner   *fakeRunner
	launcher *fakeLauncher
	clock    time.Time
}

// newTestEnv builds an engine over a temp store and a registry loaded
// from the given YAML definitions. The clock ticks one second per call;
// workflow ids are deterministic.
func newTestEnv(t *testing.T, cfg *config.Config, definitions ...string) *testEnv {
	t.Helper()
	defDir := t.TempDir()
	for i, source := range definitions {
		path := filepath.Join(defDir, fmt.Sprintf("%02d.yaml", i))
		require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	}
	registry := definition.NewRegistry([]string{defDir}, nil)
	require.NoError(t, registry.Load())

	st := store.New(t.TempDir(), nil)
	require.NoError(t, st.Ensure())

	env := &testEnv{
		store:    st,
		runner:   &fakeRunner{codes: map[string]int{}},
		launcher: &fakeLauncher{},
		clock:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	env.engine = New(Options{
		Store:       st,
		Definitions: registry,
		Config:      cfg,
		Runner:      env.runner,
		Launcher:    env.launcher,
	})
	env.engine.now = func() time.Time {
		env.clock = env.clock.Add(time.Second)
		return env.clock
	}
	seq := 0
	env.engine.shortID = func() string {
		seq++
		return fmt.Sprintf("%08d", seq)
	}
	return env
}

const reviewWorkflow = `
name: code_review
roles:
  reviewer:
    agent: reviewer
states:
  REVIEW_changes:
    assign: reviewer
    gate:
      options: [approve, request_changes]
    transitions:
      approve: done
      request_changes: rework
  rework:
    assign: reviewer
    gate:
      schema:
        notes: string
    transitions:
      pass: REVIEW_changes
  done:
    type: terminal
    result: success
`

func TestStartInitializesRun(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	assert.Equal(t, "code_review-00000001", wf.WorkflowID)
	assert.Equal(t, "REVIEW_changes", wf.CurrentState)
	require.Len(t, wf.History, 1)
	assert.Equal(t, "REVIEW_changes", wf.History[0].State)
	assert.True(t, wf.CreatedAt.Equal(wf.UpdatedAt))

	// Persisted immediately.
	loaded, err := env.store.Load(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "REVIEW_changes", loaded.CurrentState)
}

func TestStartParamDefaultsAndRequired(t *testing.T) {
	def := `
name: build
params:
  target:
    type: string
    required: true
  profile:
    type: string
    default: debug
states:
  done:
    type: terminal
    result: success
`
	env := newTestEnv(t, nil, def)

	_, err := env.engine.Start("build", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")

	wf, err := env.engine.Start("build", map[string]any{"target": "api"})
	require.NoError(t, err)
	assert.Equal(t, "debug", wf.Params["profile"])
	assert.Equal(t, "api", wf.Params["target"])
}

func TestStartUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	_, err := env.engine.Start("ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestVerdictGateHappyPath(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:       "REVIEW_changes",
		Result:      "approve",
		SubmittedBy: "wf-1-reviewer",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdvanced, out.Status)
	assert.Equal(t, "REVIEW_changes", out.From)
	assert.Equal(t, "done", out.To)
	assert.Equal(t, "approve", out.Result)

	loaded, err := env.engine.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "done", loaded.CurrentState)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "approve", loaded.History[0].Result)
	require.NotNil(t, loaded.History[0].ExitedAt)

	ev := loaded.Evidence["REVIEW_changes"]
	assert.Equal(t, true, ev["verified"])
	assert.Equal(t, "approve", ev["result"])
	assert.Equal(t, "wf-1-reviewer", ev["submitted_by"])
}

func TestVerdictGateExactKeyBeatsPassFallback(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "REVIEW_changes",
		Result: "request_changes",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdvanced, out.Status)
	assert.Equal(t, "rework", out.To)
}

func TestSubmissionStateMismatchRejected(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "rework",
		Result: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Contains(t, out.Reason, "state mismatch")

	// No mutation happened.
	loaded, err := env.engine.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "REVIEW_changes", loaded.CurrentState)
	assert.Empty(t, loaded.Evidence)
}

func TestSchemaRejectionDoesNotConsumeRetry(t *testing.T) {
	def := `
name: impl
roles:
  developer:
    agent: implementer
states:
  GREEN_implement:
    assign: developer
    max_retries: 2
    gate:
      schema:
        diff_summary: string
        tests_passed: boolean
    transitions:
      pass: done
      fail: ESCALATE
  ESCALATE:
    assign: developer
    gate:
      options: [retry, abort]
    transitions:
      retry: GREEN_implement
      abort: failed
  done:
    type: terminal
    result: success
  failed:
    type: terminal
    result: failure
`
	env := newTestEnv(t, nil, def)
	wf, err := env.engine.Start("impl", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:    "GREEN_implement",
		Result:   "pass",
		Evidence: map[string]any{"tests_passed": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "schema validation failed", out.Reason)
	require.NotNil(t, out.Diagnostics)
	assert.Equal(t, []string{
		"missing key: diff_summary",
		"type mismatch for tests_passed: expected boolean, got string",
	}, out.Diagnostics.Errors)

	loaded, err := env.engine.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "GREEN_implement", loaded.CurrentState)
	assert.Equal(t, 0, loaded.RetryCount)
	ev := loaded.Evidence["GREEN_implement"]
	assert.Equal(t, false, ev["verified"])
	assert.NotEmpty(t, ev["validation_errors"])
}

func TestVerifyFailureRetriesThenEscalates(t *testing.T) {
	def := `
name: impl
roles:
  developer:
    agent: implementer
states:
  GREEN_implement:
    assign: developer
    max_retries: 2
    gate:
      schema:
        diff_summary: string
      verify:
        command: run-tests
    transitions:
      pass: done
      fail: ESCALATE
  ESCALATE:
    assign: developer
    gate:
      options: [retry, abort]
    transitions:
      retry: GREEN_implement
      abort: failed
  done:
    type: terminal
    result: success
  failed:
    type: terminal
    result: failure
`
	env := newTestEnv(t, nil, def)
	env.runner.codes["run-tests"] = 1
	wf, err := env.engine.Start("impl", nil)
	require.NoError(t, err)

	sub := Submission{
		State:    "GREEN_implement",
		Result:   "pass",
		Evidence: map[string]any{"diff_summary": "added pagination"},
	}

	// First failure burns a retry but stays put.
	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, sub)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, out.Retries)

	loaded, _ := env.engine.Get(wf.WorkflowID)
	assert.Equal(t, "GREEN_implement", loaded.CurrentState)
	assert.Equal(t, 1, loaded.RetryCount)
	assert.Equal(t, 1, loaded.LastHistory().Retries)
	assert.NotEmpty(t, loaded.LastHistory().LastFailure)

	// Second failure exhausts the budget and escalates.
	out, err = env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, sub)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 2, out.Retries)

	loaded, _ = env.engine.Get(wf.WorkflowID)
	assert.Equal(t, "ESCALATE", loaded.CurrentState)
	// The counter keeps its value across the escalation move.
	assert.Equal(t, 2, loaded.RetryCount)

	// Human sends it back; the counter resets on advance.
	out, err = env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "ESCALATE",
		Result: "retry",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdvanced, out.Status)
	loaded, _ = env.engine.Get(wf.WorkflowID)
	assert.Equal(t, "GREEN_implement", loaded.CurrentState)
	assert.Equal(t, 0, loaded.RetryCount)
}

func TestZeroMaxRetriesMeansSingleAttempt(t *testing.T) {
	def := `
name: one_shot
roles:
  developer:
    agent: implementer
states:
  attempt:
    assign: developer
    gate:
      schema:
        notes: string
      verify:
        command: run-tests
    transitions:
      pass: done
      fail: failed
  done:
    type: terminal
    result: success
  failed:
    type: terminal
    result: failure
`
	env := newTestEnv(t, nil, def)
	env.runner.codes["run-tests"] = 1
	wf, err := env.engine.Start("one_shot", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:    "attempt",
		Result:   "pass",
		Evidence: map[string]any{"notes": "tried"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)

	loaded, _ := env.engine.Get(wf.WorkflowID)
	assert.Equal(t, "failed", loaded.CurrentState)
}

func TestEscalationWithoutTargetFails(t *testing.T) {
	def := `
name: no_escape
roles:
  developer:
    agent: implementer
states:
  attempt:
    assign: developer
    gate:
      schema:
        notes: string
      verify:
        command: run-tests
    transitions:
      pass: done
  done:
    type: terminal
    result: success
`
	env := newTestEnv(t, nil, def)
	env.runner.codes["run-tests"] = 1
	wf, err := env.engine.Start("no_escape", nil)
	require.NoError(t, err)

	_, err = env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:    "attempt",
		Result:   "pass",
		Evidence: map[string]any{"notes": "tried"},
	})
	require.ErrorIs(t, err, ErrNoTransition)

	// The failure evidence is persisted even though escalation failed.
	loaded, _ := env.engine.Get(wf.WorkflowID)
	assert.Equal(t, false, loaded.Evidence["attempt"]["verified"])
}

func TestNoGateStateRejectsSubmission(t *testing.T) {
	def := `
name: gateless
roles:
  developer:
    agent: implementer
states:
  open:
    assign: developer
    transitions:
      pass: done
  done:
    type: terminal
    result: success
`
	env := newTestEnv(t, nil, def)
	wf, err := env.engine.Start("gateless", nil)
	require.NoError(t, err)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "open",
		Result: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Contains(t, out.Reason, "no gate")
}

func TestPauseBlocksAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.Pause(wf.WorkflowID))
	paused, _ := env.engine.Get(wf.WorkflowID)
	firstUpdate := paused.UpdatedAt

	// Idempotent: no timestamp bump, no history growth.
	require.NoError(t, env.engine.Pause(wf.WorkflowID))
	again, _ := env.engine.Get(wf.WorkflowID)
	assert.True(t, firstUpdate.Equal(again.UpdatedAt))
	assert.Len(t, again.History, 1)

	out, err := env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "REVIEW_changes",
		Result: "approve",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, out.Status)

	require.NoError(t, env.engine.Resume(wf.WorkflowID))
	out, err = env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "REVIEW_changes",
		Result: "approve",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdvanced, out.Status)
}

func TestOverrideRecordsReasonLiteral(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.Override(wf.WorkflowID, "done", "reviewer unavailable"))

	loaded, _ := env.engine.Get(wf.WorkflowID)
	assert.Equal(t, "done", loaded.CurrentState)
	assert.Equal(t, "override:reviewer unavailable", loaded.History[0].Result)
	assert.Equal(t, 0, loaded.RetryCount)

	err = env.engine.Override(wf.WorkflowID, "nowhere", "typo")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestPersistenceAcrossEngineRestart(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	_, err = env.engine.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:  "REVIEW_changes",
		Result: "request_changes",
	})
	require.NoError(t, err)

	// A fresh engine over the same store picks up mid-flight state.
	defDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defDir, "review.yaml"), []byte(reviewWorkflow), 0o644))
	registry := definition.NewRegistry([]string{defDir}, nil)
	require.NoError(t, registry.Load())
	restarted := New(Options{Store: env.store, Definitions: registry})

	loaded, err := restarted.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "rework", loaded.CurrentState)

	out, err := restarted.SubmitEvidence(context.Background(), wf.WorkflowID, Submission{
		State:    "rework",
		Result:   "pass",
		Evidence: map[string]any{"notes": "addressed findings"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAdvanced, out.Status)
	assert.Equal(t, "REVIEW_changes", out.To)
}
