package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/orchestra/store"
)

func TestFingerprintChangesOnRetryAndMove(t *testing.T) {
	entered := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	wf := &store.State{
		CurrentState: "GREEN_implement",
		History:      []store.HistoryEntry{{State: "GREEN_implement", EnteredAt: entered}},
	}
	base := fingerprint(wf)

	// Same state, same entry: stable.
	assert.Equal(t, base, fingerprint(wf))

	// A burned retry on the same state changes the fingerprint.
	wf.History[0].Retries = 1
	assert.NotEqual(t, base, fingerprint(wf))

	// Moving states changes it again.
	wf.CurrentState = "REVIEW_changes"
	wf.History = append(wf.History, store.HistoryEntry{State: "REVIEW_changes", EnteredAt: entered.Add(time.Minute)})
	assert.NotEqual(t, base, fingerprint(wf))
}

func TestAutopilotDone(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	pilot := NewAutopilot(env.engine, time.Minute, nil)

	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)
	assert.False(t, pilot.done(wf))

	wf.Paused = true
	assert.True(t, pilot.done(wf))
	wf.Paused = false

	require.NoError(t, env.engine.Override(wf.WorkflowID, "done", "test"))
	terminal, err := env.engine.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, pilot.done(terminal))

	// A terminal child with a parent still needs one dispatch to
	// propagate its result.
	terminal.Parent = &store.ParentRef{WorkflowID: "parent-1", State: "run_checks"}
	assert.False(t, pilot.done(terminal))
}

func TestAutopilotDispatchesActiveWorkflow(t *testing.T) {
	env := newTestEnv(t, nil, reviewWorkflow)
	wf, err := env.engine.Start("code_review", nil)
	require.NoError(t, err)

	pilot := NewAutopilot(env.engine, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go pilot.Run(ctx)

	require.Eventually(t, func() bool {
		return env.launcher.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The stable state was dispatched once, not once per tick.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.launcher.count())
	assert.Equal(t, wf.WorkflowID, env.launcher.at(0).Workflow.WorkflowID)
	cancel()
}
