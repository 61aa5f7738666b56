// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"errors"
	"fmt"
)

// ErrNoActiveQuery is reported by Worker.GetContext and Worker.Output when
// no query has completed on the worker.
var ErrNoActiveQuery = errors.New("no active query")

// A ConfigError reports a mismatch between an application's declared
// capabilities and what its fragment or topology can support. It is
// detected during Worker.Init and is not recoverable.
type ConfigError struct {
	Reason string // human-readable description
	Err    error  // underlying cause, if any
}

func (c *ConfigError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("config: %s: %v", c.Reason, c.Err)
	}
	return "config: " + c.Reason
}

func (c *ConfigError) Unwrap() error { return c.Err }

func configErrorf(msg string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(msg, args...)}
}

// A ProtocolError reports a violation of the round protocol, such as a
// round boundary call made in the wrong state or a message addressed to a
// vertex the receiver does not hold. Protocol errors are fatal: continuing
// after one would desynchronize the fleet.
type ProtocolError struct {
	Reason string
}

func (p *ProtocolError) Error() string { return "protocol: " + p.Reason }

func protocolErrorf(msg string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(msg, args...)}
}

// A PhaseError reports a failure inside an application phase on the local
// worker. A phase error is fatal to the whole fleet: the failing worker
// broadcasts an abort before surfacing it, so that the other workers fail
// out of their collective operations instead of deadlocking.
type PhaseError struct {
	Phase string // "PEval" or "IncEval"
	Step  int    // IncEval step number, 0 for PEval
	Err   error
}

func (p *PhaseError) Error() string {
	if p.Step > 0 {
		return fmt.Sprintf("%s %d: %v", p.Phase, p.Step, p.Err)
	}
	return fmt.Sprintf("%s: %v", p.Phase, p.Err)
}

func (p *PhaseError) Unwrap() error { return p.Err }

// An AbortError reports that another worker aborted the query. It carries
// the rank of the worker that failed and the text of its error.
type AbortError struct {
	Rank    int    // the rank that originated the abort
	Message string // the text of the originating error
}

func (a *AbortError) Error() string {
	return fmt.Sprintf("query aborted by worker %d: %s", a.Rank, a.Message)
}
