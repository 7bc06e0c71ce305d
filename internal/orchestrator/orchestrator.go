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

// Package orchestrator glues the compiler, assembler, bootstrap,
// process, and supervisor packages into the single top-level
// controller described by spec §4's data flow: raw XML → compiled
// tree → plan → registry bootstrap → worker handles → monitor loop
// (component J).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/launchgraph/launchgraph/internal/bootstrap"
	"github.com/launchgraph/launchgraph/internal/compiler"
	"github.com/launchgraph/launchgraph/internal/dashboard"
	"github.com/launchgraph/launchgraph/internal/pkgpath"
	"github.com/launchgraph/launchgraph/internal/plan"
	"github.com/launchgraph/launchgraph/internal/process"
	"github.com/launchgraph/launchgraph/internal/registry"
	"github.com/launchgraph/launchgraph/internal/subst"
	"github.com/launchgraph/launchgraph/internal/supervisor"
)

// childParamPrefix namespaces the private parameters the parent
// launcher pushes so a --child invocation on a remote machine can
// fetch the one ProcessSpec it was told to run without recompiling
// any launch file.
const childParamPrefix = "/launchgraph/nodes/"

// PushNodeSpec publishes spec as JSON under its own private parameter
// so a remote --child invocation can retrieve it by resolved name.
func PushNodeSpec(client *registry.Client, spec plan.ProcessSpec) error {
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return client.SetParam(childParamPrefix+spec.ResolvedName, registry.String(string(b)))
}

// FetchNodeSpec retrieves the ProcessSpec a parent pushed for name,
// used by the --child code path.
func FetchNodeSpec(client *registry.Client, name string) (plan.ProcessSpec, error) {
	var spec plan.ProcessSpec
	v, err := client.GetParam(childParamPrefix + name)
	if err != nil {
		return spec, fmt.Errorf("fetching spec for %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(v.Str), &spec); err != nil {
		return spec, fmt.Errorf("decoding spec for %s: %w", name, err)
	}
	return spec, nil
}

// RunChild runs the single node named in opts.Files[0]-free --child
// mode: it is the process a RemoteHandle starts on the far end of a
// secure-shell session (spec §4.8). It fetches its own ProcessSpec
// from the registry, forks it as a local process, and blocks until
// that process exits, honoring the respawn policy through the same
// supervisor.Monitor local nodes use.
func RunChild(opts Options, childName string) error {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	client := registry.New(opts.MasterURI, "/launchgraph")
	spec, err := FetchNodeSpec(client, childName)
	if err != nil {
		return err
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = defaultLogDir(opts.RunID)
	}
	sink := func(name, line string) {
		opts.Logger.Printf("[%s] %s", name, line)
	}

	locator := pkgpath.NewFromEnv()
	h := process.NewLocalHandle(spec, spec.ResolvedName+"-1", locator, opts.MasterURI, logDir, opts.Screen, sink)
	mon := supervisor.New([]process.Handle{h}, opts.Logger)
	mon.Run()
	return nil
}

// Options configures one end-to-end run.
type Options struct {
	Files          []string
	Args           map[string]string // name:=value bindings from the command line
	MasterURI      string
	RunID          string
	CoreBinary     string
	Port           int
	NumWorkers     int
	Local          bool // --local: treat every <machine> binding as the local machine
	Screen         bool // --screen: force terminal output, ignoring per-node log policy
	LogDir         string
	LauncherBinary string // path to this binary, used as the remote helper
	Logger         *log.Logger
	DashboardAddr  string // non-empty enables the status dashboard (spec §11)
	Dashboard      *dashboard.Dashboard
}

// Run is a live launch: its compiled plan, registry connection, and
// the handles/monitor driving every worker.
type Run struct {
	Plan    *plan.Plan
	Result  *bootstrap.Result
	Monitor *supervisor.Monitor
	handles []process.Handle

	dashboardCancel context.CancelFunc
}

// Compile parses and flattens opts.Files (plus opts.Args overriding
// top-level <arg> defaults) into a Plan, without touching the
// registry or spawning anything. Used both by Launch and by the
// info-only CLI modes (--nodes, --find-node, --args, --ros-args,
// --dump-params).
func Compile(opts Options) (*plan.Plan, error) {
	locator := pkgpath.NewFromEnv()
	resolver := subst.New(locator)
	comp := compiler.New(resolver)

	root := &compiler.Tree{}
	for _, f := range opts.Files {
		scope := compiler.NewScope()
		for name, value := range opts.Args {
			scope.SetArg(name, value)
		}
		tree, err := comp.CompileFile(f, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		root.Elements = append(root.Elements, tree.Elements...)
	}

	p, err := plan.Assemble(root)
	if err != nil {
		return nil, err
	}
	if opts.Local {
		for _, m := range p.Machines {
			m.Local = true
		}
	}
	return p, nil
}

// Launch runs the full sequence: compile, bootstrap the registry,
// build one handle per node (none started yet), and hand back a Run
// whose monitor starts them when the caller drives it with Wait.
func Launch(opts Options) (*Run, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	p, err := Compile(opts)
	if err != nil {
		return nil, err
	}

	bres, err := bootstrap.Bootstrap(bootstrap.Options{
		MasterURI:  opts.MasterURI,
		RunID:      opts.RunID,
		CoreBinary: opts.CoreBinary,
		Port:       opts.Port,
		NumWorkers: opts.NumWorkers,
	}, p)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = defaultLogDir(opts.RunID)
	}

	sink := func(name, line string) {
		opts.Logger.Printf("[%s] %s", name, line)
		if opts.Dashboard != nil {
			opts.Dashboard.Publish(name, line)
		}
	}

	regClient := registry.New(opts.MasterURI, "/launchgraph")
	locator := pkgpath.NewFromEnv()
	counters := make(map[string]*process.NameCounter)
	var handles []process.Handle
	for _, spec := range p.Nodes {
		counter, ok := counters[spec.ResolvedName]
		if !ok {
			counter = process.NewNameCounter(spec.ResolvedName)
			counters[spec.ResolvedName] = counter
		}
		name := counter.Next()

		machine := p.Machines[spec.Machine]
		var h process.Handle
		if machine == nil || machine.Local || machine.Name == plan.LocalMachineName {
			h = process.NewLocalHandle(spec, name, locator, opts.MasterURI, logDir, opts.Screen, sink)
		} else {
			if err := PushNodeSpec(regClient, spec); err != nil {
				return nil, fmt.Errorf("publishing spec for %s: %w", spec.ResolvedName, err)
			}
			h = process.NewRemoteHandle(spec, machine, opts.MasterURI, opts.RunID, opts.LauncherBinary, name, sink)
		}
		handles = append(handles, h)
	}

	mon := supervisor.New(handles, opts.Logger)
	run := &Run{Plan: p, Result: bres, Monitor: mon, handles: handles}

	if opts.Dashboard != nil && opts.DashboardAddr != "" {
		opts.Dashboard.State = run.NodeStates
		ctx, cancel := context.WithCancel(context.Background())
		run.dashboardCancel = cancel
		addr, err := opts.Dashboard.Serve(ctx, opts.DashboardAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("starting dashboard: %w", err)
		}
		opts.Logger.Printf("dashboard listening on %s", addr)
	}

	return run, nil
}

// NodeStates reports the current run/not-running status of every
// handle, used by the status dashboard's /discovery endpoint.
func (r *Run) NodeStates() []dashboard.NodeState {
	states := make([]dashboard.NodeState, 0, len(r.handles))
	for _, h := range r.handles {
		states = append(states, dashboard.NodeState{Name: h.Name(), Running: h.IsRunning()})
	}
	return states
}

// Wait starts every handle under the monitor's oversight tree and
// blocks until shutdown or a required-process death (spec §4.9).
func (r *Run) Wait() {
	r.Monitor.Run()
}

// Shutdown tears every worker down and, if this run started its own
// master, terminates it too.
func (r *Run) Shutdown() {
	r.Monitor.Shutdown()
	if r.dashboardCancel != nil {
		r.dashboardCancel()
	}
	if r.Result != nil && r.Result.StartedCore && r.Result.CoreCmd != nil {
		r.Result.CoreCmd.Process.Kill()
		r.Result.CoreCmd.Wait()
	}
}

func defaultLogDir(runID string) string {
	home := os.Getenv("ROS_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".ros")
		}
	}
	return filepath.Join(home, "log", runID)
}

// NewRunID mints a run identifier of the form "<nanos>-<pid>", both in
// lowercase hex, from seed's Unix nanoseconds and the current PID;
// used only when the caller did not supply --run_id.
func NewRunID(seed time.Time) string {
	return fmt.Sprintf("%x-%x", seed.UnixNano(), os.Getpid())
}
