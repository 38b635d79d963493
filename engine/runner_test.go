package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerExitCodes(t *testing.T) {
	r := &ExecRunner{}

	code, err := r.Run(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = r.Run(context.Background(), "exit 3", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecRunnerEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	r := &ExecRunner{Dir: dir}

	code, err := r.Run(context.Background(), `printf '%s' "$ORCHESTRA_WORKFLOW_ID" > marker`, map[string]string{
		"ORCHESTRA_WORKFLOW_ID": "wf-42",
	})
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "wf-42", string(data))
}

func TestExecRunnerTimeoutKillsCommand(t *testing.T) {
	r := &ExecRunner{Timeout: 50 * time.Millisecond}
	code, err := r.Run(context.Background(), "sleep 5", nil)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}
