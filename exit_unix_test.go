//go:build unix

package frontdoor

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runShell(t *testing.T, script string) exitStatus {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	_ = cmd.Run()
	require.NotNil(t, cmd.ProcessState)
	return decodeExit(cmd.ProcessState)
}

func TestDecodeExit(t *testing.T) {
	t.Run("exit code", func(t *testing.T) {
		st := runShell(t, "exit 7")
		require.NotNil(t, st.Code)
		assert.Equal(t, 7, *st.Code)
		assert.Empty(t, st.Signal)
	})

	t.Run("clean exit", func(t *testing.T) {
		st := runShell(t, "exit 0")
		require.NotNil(t, st.Code)
		assert.Equal(t, 0, *st.Code)
	})

	t.Run("signal", func(t *testing.T) {
		st := runShell(t, "kill -TERM $$")
		assert.Nil(t, st.Code)
		assert.Equal(t, "SIGTERM", st.Signal)
	})

	t.Run("nil state", func(t *testing.T) {
		assert.Equal(t, exitStatus{}, decodeExit(nil))
	})
}

func TestTerminateSignalsProcessGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	configureBackendProcAttrs(cmd)
	require.NoError(t, cmd.Start())

	require.NoError(t, terminate(cmd.Process))
	_ = cmd.Wait()

	st := decodeExit(cmd.ProcessState)
	assert.Equal(t, "SIGTERM", st.Signal)
}
