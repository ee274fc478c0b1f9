package worker

import (
	"fmt"
)

var ErrKillTimeout = fmt.Errorf("kill timeout")

// StartConfig describes how to launch the worker process. An empty Cmd
// means "run the current executable with the worker subcommand".
type StartConfig struct {
	// Cmd is the path or name of the binary to execute
	Cmd string `conf:"cmd"`

	// Args is the list of arguments to pass to the command
	Args []string `conf:"args"`

	// Cwd is the working directory in which
	// the binary should be executed
	Cwd string `conf:"cwd"`

	// Env is a map of environment variables
	// to set when running the command
	Env map[string]string `conf:"env"`
}

// ExitState describes how a worker process terminated.
type ExitState struct {
	// Code is the exit code of the process, if it exited on its own
	Code *int

	// Signal is the signal that terminated the process, if any
	Signal *int
}

func (e ExitState) String() string {
	if e.Signal != nil {
		return fmt.Sprintf("signal %d", *e.Signal)
	}

	if e.Code != nil {
		return fmt.Sprintf("exit code %d", *e.Code)
	}

	return "unknown exit state"
}
