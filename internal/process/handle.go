// Copyright 2024 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package process implements the two ProcessHandle kinds (spec §9
// Design Notes: "sealed sum of {local, remote} behind a small
// interface"): a local fork/exec child (LocalHandle, in local.go) and
// a remote secure-shell child (RemoteHandle, in remote.go), both in
// this package. Both are driven by the process monitor in
// internal/supervisor.
package process

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// BaseName strips the "-<n>" restart counter spec §4.9 appends to a
// handle name, recovering the name it was registered under.
func BaseName(name string) string {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return name
	}
	return name[:idx]
}

// Ordinal extracts the "<n>" restart counter from a "<base>-<n>"
// name, or 0 if the name carries none.
func Ordinal(name string) int64 {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Handle is the capability set the process monitor needs from either
// process kind, per spec §3/§4.9.
type Handle interface {
	// Name is the handle's current name: "<base>-<counter>", renamed
	// on every restart.
	Name() string
	// IsRunning reports whether the process is still alive.
	IsRunning() bool
	// Required reports whether this handle's death must trigger
	// shutdown of the whole run.
	Required() bool
	// Respawn reports whether this handle should be restarted on
	// death instead of being moved to the dead set.
	Respawn() bool
	// RespawnDelaySeconds is the minimum time to wait after death
	// before Restart is called again.
	RespawnDelaySeconds() float64
	// Start launches the process for the first time.
	Start() error
	// Restart relaunches the process under a new name, preserving
	// every other argv entry except the log-file argument (spec
	// §4.7's restart contract). Returns an error for handle kinds
	// that do not support it (remote processes, spec §4.8).
	Restart(newName string) error
	// Destroy asks the process to terminate.
	Destroy() error
	// Wait blocks until the process has fully exited.
	Wait() error
	// ExitDescription summarizes the most recent exit, for the
	// monitor's banner/log lines.
	ExitDescription() string
}

// ErrRestartUnsupported is returned by Restart on handle kinds that
// cannot be restarted in place (spec §4.8: "Remote processes do not
// currently support restart").
var ErrRestartUnsupported = fmt.Errorf("restart is not supported for this process kind")

// NameCounter hands out the monotonic "<base>-<n>" names spec §4.9
// requires: unique across restarts, with the portion before the
// final "-" treated as the base.
type NameCounter struct {
	base string
	n    int64
}

// NewNameCounter starts a counter at 0 for base.
func NewNameCounter(base string) *NameCounter {
	return &NameCounter{base: base}
}

// NewNameCounterFrom starts a counter for base whose first Next()
// call returns n+1, so a counter built over an already-named handle
// doesn't reissue the ordinal its caller already handed out.
func NewNameCounterFrom(base string, n int64) *NameCounter {
	return &NameCounter{base: base, n: n}
}

// Next returns the next name in the "<base>-<n>" sequence, starting
// at 1 on first call.
func (c *NameCounter) Next() string {
	n := atomic.AddInt64(&c.n, 1)
	return fmt.Sprintf("%s-%d", c.base, n)
}
