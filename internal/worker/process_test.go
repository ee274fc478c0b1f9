package worker_test

import (
	"bufio"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stokerd/stoker/internal/worker"
	"github.com/stokerd/stoker/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startProcess(t *testing.T, config worker.StartConfig) *worker.Process {
	t.Helper()

	proc, err := worker.Start(config, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = proc.Kill(5 * time.Second)
	})

	return proc
}

func TestProcess_StartAndEcho(t *testing.T) {
	proc := startProcess(t, worker.StartConfig{Cmd: "cat"})

	assert.Greater(t, proc.Pid(), 0)

	_, err := fmt.Fprintln(proc.StdinPipe(), "hello")
	require.NoError(t, err)

	scanner := bufio.NewScanner(proc.StdoutPipe())
	require.True(t, scanner.Scan())
	assert.Equal(t, "hello", scanner.Text())
}

func TestProcess_ExitCode(t *testing.T) {
	proc := startProcess(t, worker.StartConfig{
		Cmd:  "sh",
		Args: []string{"-c", "exit 3"},
	})

	require.NoError(t, proc.WaitExit(5*time.Second))

	exit := proc.Exit()
	require.NotNil(t, exit.Code)
	assert.Equal(t, 3, *exit.Code)
	assert.Nil(t, exit.Signal)
	assert.Equal(t, "exit code 3", exit.String())
}

func TestProcess_TerminateStubborn(t *testing.T) {
	// cat blocks on stdin forever; closing stdin plus SIGTERM ends it
	proc := startProcess(t, worker.StartConfig{Cmd: "cat"})

	require.NoError(t, proc.Terminate(5*time.Second))

	select {
	case <-proc.Done():
	default:
		t.Fatal("Done not closed after Terminate")
	}
}

func TestProcess_KillReportsSignal(t *testing.T) {
	proc := startProcess(t, worker.StartConfig{
		Cmd:  "sh",
		Args: []string{"-c", "trap '' TERM; sleep 60"},
	})

	assert.True(t, util.IsProcessAlive(proc.Pid()))

	require.NoError(t, proc.Kill(5*time.Second))

	exit := proc.Exit()
	require.NotNil(t, exit.Signal)
	assert.Equal(t, int(syscall.SIGKILL), *exit.Signal)
	assert.False(t, util.IsProcessAlive(proc.Pid()))
}

func TestProcess_WaitExitTimeout(t *testing.T) {
	proc := startProcess(t, worker.StartConfig{Cmd: "cat"})

	err := proc.WaitExit(50 * time.Millisecond)
	assert.ErrorIs(t, err, worker.ErrKillTimeout)

	// negative timeout never blocks
	assert.NoError(t, proc.WaitExit(-1))
}

func TestProcess_EnvAndCwd(t *testing.T) {
	dir := t.TempDir()

	proc := startProcess(t, worker.StartConfig{
		Cmd:  "sh",
		Args: []string{"-c", `printf '%s %s\n' "$STOKER_TEST_VALUE" "$PWD"`},
		Cwd:  dir,
		Env:  map[string]string{"STOKER_TEST_VALUE": "marker"},
	})

	scanner := bufio.NewScanner(proc.StdoutPipe())
	require.True(t, scanner.Scan())
	assert.Equal(t, "marker "+dir, scanner.Text())

	require.NoError(t, proc.WaitExit(5*time.Second))
}

func TestProcess_DoneClosedExactlyOnce(t *testing.T) {
	proc := startProcess(t, worker.StartConfig{
		Cmd:  "sh",
		Args: []string{"-c", "exit 0"},
	})

	require.NoError(t, proc.WaitExit(5*time.Second))

	// terminating an exited process is a no-op
	assert.NoError(t, proc.Terminate(time.Second))
	assert.NoError(t, proc.Kill(time.Second))
}
