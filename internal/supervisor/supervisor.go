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

// Package supervisor drives every launched process.Handle under an
// oversight tree (spec §4.9): one child function per handle, restart
// policy translated from the handle's required/respawn flags, with
// the respawn-delay and handle-renaming rules of §4.9 implemented
// inside the child function that oversight calls, rather than
// replacing oversight's own restart bookkeeping.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	oversight "cirello.io/oversight/easy"

	"github.com/launchgraph/launchgraph/internal/process"
)

// Monitor owns the set of handles from one launch and the counters
// used to rename a handle on every restart.
type Monitor struct {
	handles  []process.Handle
	counters map[string]*process.NameCounter
	logger   *log.Logger

	mu       sync.Mutex
	dead     map[string]bool

	ctx    context.Context
	cancel context.CancelFunc

	once          sync.Once
	shutdownCh    chan struct{}
	requiredDeath chan requiredDeath
}

type requiredDeath struct {
	name string
	desc string
}

// New builds a Monitor over handles, none of which need to be
// started yet; Run starts each one under the oversight tree.
func New(handles []process.Handle, logger *log.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	// Seed each base's counter from the highest ordinal already in use
	// by its handles' initial names, so the first respawn doesn't
	// reissue a "<base>-<n>" name its caller already handed out.
	counters := make(map[string]*process.NameCounter, len(handles))
	highest := make(map[string]int64, len(handles))
	for _, h := range handles {
		base := process.BaseName(h.Name())
		if n := process.Ordinal(h.Name()); n > highest[base] {
			highest[base] = n
		}
	}
	for base, n := range highest {
		counters[base] = process.NewNameCounterFrom(base, n)
	}
	return &Monitor{
		handles:       append([]process.Handle(nil), handles...),
		counters:      counters,
		dead:          make(map[string]bool),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		shutdownCh:    make(chan struct{}),
		requiredDeath: make(chan requiredDeath, 1),
	}
}

func (m *Monitor) counterFor(base string) *process.NameCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[base]
	if !ok {
		c = process.NewNameCounter(base)
		m.counters[base] = c
	}
	return c
}

func (m *Monitor) markDead(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[name] = true
}

// Run starts every handle under one oversight tree and blocks until
// Shutdown is called or a required handle dies.
func (m *Monitor) Run() {
	treeCtx := oversight.WithContext(m.ctx, oversight.WithLogger(m.logger))
	for _, h := range m.handles {
		restart := oversight.Temporary()
		if h.Respawn() {
			restart = oversight.Permanent()
		}
		oversight.Add(treeCtx, m.childFunc(h), oversight.RestartWith(restart))
	}

	select {
	case rd := <-m.requiredDeath:
		m.renderRequiredDeathBanner(rd.name, rd.desc)
		m.Shutdown()
	case <-m.shutdownCh:
	}
}

// childFunc returns the function oversight drives for h: the first
// call starts it; every subsequent call (oversight's restart) renames
// it first, per spec §4.9's "<base>-<counter>" naming rule.
func (m *Monitor) childFunc(h process.Handle) func(context.Context) error {
	first := true
	return func(ctx context.Context) error {
		if first {
			first = false
			if err := h.Start(); err != nil {
				return m.handleDeath(h, err.Error())
			}
		} else {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(respawnDelay(h)):
			}
			newName := m.counterFor(process.BaseName(h.Name())).Next()
			if err := h.Restart(newName); err != nil {
				return m.handleDeath(h, err.Error())
			}
		}

		h.Wait()
		return m.handleDeath(h, h.ExitDescription())
	}
}

// handleDeath implements the classification in spec §4.9 step 2-3
// for one handle that just stopped running, whether from a failed
// (re)start or a normal exit.
func (m *Monitor) handleDeath(h process.Handle, desc string) error {
	if h.Required() {
		select {
		case m.requiredDeath <- requiredDeath{name: h.Name(), desc: desc}:
		default:
		}
		return nil
	}
	if !h.Respawn() {
		h.Destroy()
		m.markDead(h.Name())
		return nil
	}
	m.logger.Printf("process %s died: %s, respawning", h.Name(), desc)
	return fmt.Errorf("process %s exited: %s", h.Name(), desc)
}

func respawnDelay(h process.Handle) time.Duration {
	return time.Duration(h.RespawnDelaySeconds() * float64(time.Second))
}

func (m *Monitor) renderRequiredDeathBanner(name, desc string) {
	banner := fmt.Sprintf(
		"\n%s\nREQUIRED process [%s] has died!\n%s\n\nexit: %s\n%s\n",
		bannerRule, name, bannerRule, desc, bannerRule,
	)
	m.logger.Print(banner)
}

const bannerRule = "================================================================================"

// Shutdown cancels the oversight tree's context, which stops every
// child from being restarted, destroys whatever is still running,
// and unblocks Run. It is idempotent.
func (m *Monitor) Shutdown() {
	m.once.Do(func() {
		m.cancel()
		for _, h := range m.handles {
			if !h.IsRunning() {
				continue
			}
			if err := h.Destroy(); err != nil {
				m.logger.Printf("destroying %s: %v", h.Name(), err)
			}
			h.Wait()
		}
		close(m.shutdownCh)
	})
}
