package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Process is a started worker process with its standard streams wired
// for the line protocol: stdin carries host->worker envelopes, stdout
// carries worker->host envelopes, stderr is diagnostics only.
type Process struct {
	pid  int
	done chan struct{}
	exit ExitState

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	log *zap.Logger
}

// Start launches the worker process in its own process group, so that
// kill signals reach any children it may spawn.
func Start(config StartConfig, log *zap.Logger) (*Process, error) {
	cmd := exec.Command(config.Cmd, config.Args...)

	if config.Env != nil {
		env := os.Environ()
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	log = log.Named("proc").With(zap.Int("pid", cmd.Process.Pid))

	process := &Process{
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		log:    log,
	}

	go func() {
		// block until the process exits, then record the exit
		// state before signalling done
		err := cmd.Wait()

		process.exit = exitStateFrom(err)
		close(process.done)
	}()

	return process, nil
}

func (p *Process) Pid() int {
	return p.pid
}

// Done returns a channel that is closed once the process has exited and
// its exit state is recorded.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns the exit state. Only valid after Done is closed.
func (p *Process) Exit() ExitState {
	return p.exit
}

// Terminate sends SIGTERM and waits for the process to exit.
func (p *Process) Terminate(timeout time.Duration) error {
	select {
	case <-p.done:
		p.log.Debug("process already terminated")
		return nil
	default:
	}

	p.signal(syscall.SIGTERM)

	return p.WaitExit(timeout)
}

// Kill sends SIGKILL and waits for the process to exit.
func (p *Process) Kill(timeout time.Duration) error {
	select {
	case <-p.done:
		p.log.Debug("process already terminated")
		return nil
	default:
	}

	p.signal(syscall.SIGKILL)

	return p.WaitExit(timeout)
}

// WaitExit blocks until the process exits. A timeout of 0 waits
// indefinitely; a negative timeout does not wait at all.
func (p *Process) WaitExit(timeout time.Duration) error {
	if timeout < 0 {
		return nil
	}

	if timeout == 0 {
		<-p.done
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrKillTimeout
	}
}

func (p *Process) signal(signal syscall.Signal) {
	log := p.log.With(zap.Stringer("signal", signal))

	// close stdin before signalling, to avoid the process
	// hanging on input
	if err := p.stdin.Close(); err != nil {
		log.Debug("close stdin failed", zap.Error(err))
	}

	log.Info("sending signal")

	// best effort, ignore errors
	if err := p.sendSignal(signal); err != nil {
		log.Error("signal failed", zap.Error(err))
	}
}

func (p *Process) sendSignal(signal syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		// negative pid signals the whole process group
		return syscall.Kill(-pgid, signal)
	}

	return syscall.Kill(p.pid, signal)
}

// StdinPipe returns the pipe connected to the process's standard input.
func (p *Process) StdinPipe() io.WriteCloser {
	return p.stdin
}

// StdoutPipe returns the pipe connected to the process's standard output.
func (p *Process) StdoutPipe() io.ReadCloser {
	return p.stdout
}

// StderrPipe returns the pipe connected to the process's standard error.
func (p *Process) StderrPipe() io.ReadCloser {
	return p.stderr
}

func exitStateFrom(err error) ExitState {
	var cell int
	var code *int
	var signo *int

	if err == nil {
		// the process exited successfully, set the exit code to 0
		code = &cell
	} else if exitError, ok := err.(*exec.ExitError); ok {
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			if c := status.ExitStatus(); c >= 0 {
				cell = c
				code = &cell
			} else {
				cell = int(status.Signal())
				signo = &cell
			}
		}
	}

	if code == nil && signo == nil {
		// could not determine the exit status or signal,
		// assume a generic failure
		cell = 1
		code = &cell
	}

	return ExitState{Code: code, Signal: signo}
}
