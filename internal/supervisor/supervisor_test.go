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

package supervisor

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/launchgraph/launchgraph/internal/process"
)

// fakeHandle never actually blocks in Wait, so childFunc's logic can
// be exercised synchronously without sleeping on a real process.
type fakeHandle struct {
	mu         sync.Mutex
	name       string
	required   bool
	respawn    bool
	exitDesc   string
	running    bool
	destroyed  bool
	waited     bool
	restarted  []string
	restartErr error
}

func (f *fakeHandle) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}
func (f *fakeHandle) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
func (f *fakeHandle) Required() bool               { return f.required }
func (f *fakeHandle) Respawn() bool                { return f.respawn }
func (f *fakeHandle) RespawnDelaySeconds() float64 { return 0 }
func (f *fakeHandle) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}
func (f *fakeHandle) Restart(newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	f.name = newName
	f.running = true
	f.restarted = append(f.restarted, newName)
	return nil
}
func (f *fakeHandle) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.running = false
	return nil
}
func (f *fakeHandle) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = true
	f.running = false
	return nil
}
func (f *fakeHandle) ExitDescription() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitDesc
}

var _ process.Handle = (*fakeHandle)(nil)

func silentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestChildFuncRequiredDeathSignalsMonitor(t *testing.T) {
	h := &fakeHandle{name: "core-1", required: true, exitDesc: "boom"}
	m := New([]process.Handle{h}, silentLogger())
	if err := m.childFunc(h)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case rd := <-m.requiredDeath:
		if rd.name != "core-1" || rd.desc != "boom" {
			t.Fatalf("got %+v", rd)
		}
	default:
		t.Fatal("expected a required-death signal")
	}
}

func TestChildFuncNonRespawningDeathDestroysAndMarksDead(t *testing.T) {
	h := &fakeHandle{name: "talker-1", exitDesc: "exit status 1"}
	m := New([]process.Handle{h}, silentLogger())
	if err := m.childFunc(h)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.destroyed {
		t.Fatal("expected non-respawning handle to be destroyed on death")
	}
	m.mu.Lock()
	dead := m.dead["talker-1"]
	m.mu.Unlock()
	if !dead {
		t.Fatal("expected handle to be marked dead")
	}
}

func TestChildFuncRespawnRestartsWithNewName(t *testing.T) {
	h := &fakeHandle{name: "talker-1", respawn: true, exitDesc: "crashed"}
	m := New([]process.Handle{h}, silentLogger())
	fn := m.childFunc(h)

	if err := fn(context.Background()); err == nil {
		t.Fatal("expected the first death to report an error for oversight to restart on")
	}
	if err := fn(context.Background()); err == nil {
		t.Fatal("expected the restarted process's death to report an error for oversight to restart on")
	}
	if len(h.restarted) != 1 || h.restarted[0] != "talker-2" {
		t.Fatalf("got restarted=%v, want a single rename to the base counter's next name", h.restarted)
	}
}

func TestMonitorSeedsCounterPastInitialOrdinal(t *testing.T) {
	h := &fakeHandle{name: "talker-1", respawn: true, exitDesc: "crashed"}
	m := New([]process.Handle{h}, silentLogger())
	name := m.counterFor(process.BaseName(h.Name())).Next()
	if name != "talker-2" {
		t.Fatalf("got %q, want talker-2 (counter must not reissue the -1 ordinal already in use)", name)
	}
}

func TestChildFuncHonorsCancellationBeforeRestart(t *testing.T) {
	h := &fakeHandle{name: "talker-1", respawn: true}
	m := New([]process.Handle{h}, silentLogger())
	fn := m.childFunc(h)
	fn(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fn(ctx); err != nil {
		t.Fatalf("expected cancellation to short-circuit cleanly, got %v", err)
	}
	if len(h.restarted) != 0 {
		t.Fatal("expected no restart once the context was cancelled")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	h := &fakeHandle{name: "talker-1", running: true}
	m := New([]process.Handle{h}, silentLogger())
	m.Shutdown()
	m.Shutdown()
	if !h.destroyed {
		t.Fatal("expected handle destroyed")
	}
}
