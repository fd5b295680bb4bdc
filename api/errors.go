package api

import "errors"

// Sentinel errors surfaced synchronously to callers per the broker's
// precondition and lifecycle rules.
var (
	// ErrNotConnected is returned by any operation that requires a live
	// connection (consume, shutdown, publish) issued before Connect
	// has completed successfully.
	ErrNotConnected = errors.New("jobqueue: broker is not connected")

	// ErrPoolNotInitialized is returned by Shutdown when Connect never
	// reached the point of opening the channel pool.
	ErrPoolNotInitialized = errors.New("jobqueue: channel pool was never initialized")

	// ErrPoolClosed is returned to any acquirer waiting on the pool
	// (or attempting to acquire) once the pool has been closed.
	ErrPoolClosed = errors.New("jobqueue: channel pool is closed")

	// ErrAlreadyConcluded is returned by Transactor.Commit/Rollback
	// when the transactor has already concluded once.
	ErrAlreadyConcluded = errors.New("jobqueue: transactor already concluded")

	// ErrWaitTimeout is returned by Transactor.WaitUntil when the
	// timeout elapses before a conclude signal fires.
	ErrWaitTimeout = errors.New("jobqueue: timed out waiting for transactor to conclude")

	// ErrDecodeFailed marks a delivery whose body was not valid JSON or
	// whose envelope lacked a job name.
	ErrDecodeFailed = errors.New("jobqueue: could not decode job envelope")

	// ErrUnknownJob is returned by Call/enqueue when no JobDefinition
	// was registered under the given name.
	ErrUnknownJob = errors.New("jobqueue: no job registered under that name")

	// ErrConnectInProgress is never returned to callers: a concurrent
	// Connect joins the in-flight attempt instead of failing, and no
	// code in this module returns this error.
	ErrConnectInProgress = errors.New("jobqueue: connect already in progress")
)
