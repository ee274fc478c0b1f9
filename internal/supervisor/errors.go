package supervisor

import "errors"

var (
	// ErrStartup means the engine or worker never became ready within
	// the startup budget. Fatal to Initialize, never retried here.
	ErrStartup = errors.New("engine failed to start")

	// ErrCallTimeout means no response arrived within the call budget.
	// The call is abandoned; supervisor health is otherwise unaffected.
	ErrCallTimeout = errors.New("call timed out")

	// ErrWorkerCrashed means the worker process exited unexpectedly.
	// All pending calls are rejected en masse; an explicit restart is
	// required before further calls succeed.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrRestartFailed means the replacement engine or worker failed to
	// come up. The supervisor enters a degraded state rather than
	// silently falling back to the dead instance.
	ErrRestartFailed = errors.New("restart failed")

	// ErrNotReady rejects calls while the supervisor is not running.
	ErrNotReady = errors.New("supervisor not ready")

	// ErrDisposed rejects anything attempted after Close.
	ErrDisposed = errors.New("supervisor disposed")
)
