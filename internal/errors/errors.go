// Package errors defines the orchestrator's error taxonomy (spec §7), as a
// set of sentinel wrapper types rather than distinct packages so callers can
// classify a failure with errors.As without caring which subsystem raised it.
package errors

import "fmt"

// Transient marks an upstream failure (network timeout, 5xx, retryable VCS
// error) that should count toward a loop's consecutive-error backoff but
// must not mutate any entity state.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// WrapTransient wraps err as a Transient error tagged with the operation name.
func WrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Op: op, Err: err}
}

// AgentFailure marks a concluded agent run that did not succeed: non-zero
// exit, or no PR produced after recovery. Callers increment attempts and
// re-queue or escalate.
type AgentFailure struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *AgentFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s failed: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("agent %s failed: %s", e.AgentID, e.Reason)
}
func (e *AgentFailure) Unwrap() error { return e.Err }

// Invariant marks a data-invariant violation that should never happen. The
// caller is expected to log and abort; a restart relies on store recovery.
type Invariant struct {
	Msg string
}

func (e *Invariant) Error() string { return fmt.Sprintf("invariant violation: %s", e.Msg) }

// NewInvariant constructs an Invariant error.
func NewInvariant(format string, args ...interface{}) error {
	return &Invariant{Msg: fmt.Sprintf(format, args...)}
}

// Config marks a fatal configuration/environment error detected at startup
// (missing tokens, bad paths, missing CLIs). The process must not start its
// control loops.
type Config struct {
	Msg string
}

func (e *Config) Error() string { return fmt.Sprintf("configuration error: %s", e.Msg) }

// NewConfig constructs a Config error.
func NewConfig(format string, args ...interface{}) error {
	return &Config{Msg: fmt.Sprintf(format, args...)}
}
