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

// Package bootstrap brings a registry up before any worker process
// starts: detects or forks the master, reconciles the run
// identifier, and applies parameter operations in the fixed order
// the wire protocol requires (spec §4.6).
package bootstrap

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/launchgraph/launchgraph/internal/plan"
	"github.com/launchgraph/launchgraph/internal/registry"
	"github.com/launchgraph/launchgraph/internal/tags"
	"gopkg.in/yaml.v3"
)

// ErrRunIDMismatch is returned when the registry already holds a
// /run_id different from the one this launch declared.
var ErrRunIDMismatch = errors.New("run_id on parameter server does not match declared run_id")

// Options configures one bootstrap attempt.
type Options struct {
	MasterURI     string
	RunID         string
	CoreBinary    string // path to the external master binary, e.g. "rosmaster"
	Port          int
	NumWorkers    int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 100 * time.Millisecond
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	return o
}

// Result is what a successful Bootstrap call hands back to the
// orchestrator.
type Result struct {
	Client      *registry.Client
	StartedCore bool
	CoreCmd     *exec.Cmd
}

// Bootstrap determines the registry URI, starts an external master
// if none answers, reconciles the run identifier, and applies p's
// parameters in the delete → dump → clear → rosparam-set →
// param-set order (spec §4.6 steps 1-4).
func Bootstrap(opts Options, p *plan.Plan) (*Result, error) {
	opts = opts.withDefaults()

	client := registry.New(opts.MasterURI, "/launchgraph")
	res := &Result{Client: client}

	if _, err := client.GetSystemState(); err != nil {
		cmd, err := startCore(opts)
		if err != nil {
			return nil, err
		}
		res.CoreCmd = cmd
		res.StartedCore = true
		if err := waitForMaster(client, opts.ProbeInterval, opts.ProbeTimeout); err != nil {
			return nil, err
		}
	}

	if err := reconcileRunID(client, opts.RunID); err != nil {
		return nil, err
	}

	if err := applyParameters(client, p); err != nil {
		return nil, err
	}

	return res, nil
}

func startCore(opts Options) (*exec.Cmd, error) {
	if opts.CoreBinary == "" {
		return nil, fmt.Errorf("could not contact master at %s and no core binary is configured", opts.MasterURI)
	}
	cmd := exec.Command(opts.CoreBinary, "--core", "-p", fmt.Sprint(opts.Port), "-w", fmt.Sprint(opts.NumWorkers))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting master: %w", err)
	}
	return cmd, nil
}

func waitForMaster(client *registry.Client, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := client.GetSystemState(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("could not contact master")
		}
		time.Sleep(interval)
	}
}

// reconcileRunID implements spec §4.6 step 3.
func reconcileRunID(client *registry.Client, runID string) error {
	has, err := client.HasParam("/run_id")
	if err != nil {
		return fmt.Errorf("reconciling run_id: %w", err)
	}
	if !has {
		return client.SetParam("/run_id", registry.String(runID))
	}
	v, err := client.GetParam("/run_id")
	if err != nil {
		return fmt.Errorf("reconciling run_id: %w", err)
	}
	if v.Str != runID {
		return ErrRunIDMismatch
	}
	return nil
}

// applyParameters implements spec §4.6 step 4's strict ordering:
// delete → dump → clear (unified) → rosparam-set → param-set.
func applyParameters(client *registry.Client, p *plan.Plan) error {
	var deletes, dumps, loads []plan.RosParamOp
	for _, rp := range p.RosParams {
		switch rp.Command {
		case tags.RosParamLoad:
			loads = append(loads, rp)
		case tags.RosParamDump:
			dumps = append(dumps, rp)
		case tags.RosParamDelete:
			deletes = append(deletes, rp)
		}
	}

	for _, rp := range deletes {
		target := rosParamTarget(rp)
		if err := client.DeleteParam(target); err != nil {
			return fmt.Errorf("rosparam delete %q: %w", target, err)
		}
	}
	for _, rp := range dumps {
		// rosparam dump is a stub in the source this design preserves
		// (spec §9 design note c): warn and skip rather than attempt it.
		log.Printf("rosparam dump %s: not implemented, skipping", rosParamTarget(rp))
	}
	for _, ns := range p.ClearSet {
		if err := client.ClearParam(ns); err != nil {
			return fmt.Errorf("clearing %q: %w", ns, err)
		}
	}
	for _, rp := range loads {
		if err := applyRosParamLoad(client, rp); err != nil {
			return err
		}
	}
	for _, entry := range p.Params {
		if err := client.SetParam(entry.Name, typedValueToWire(entry.Value)); err != nil {
			return fmt.Errorf("setting %q: %w", entry.Name, err)
		}
	}
	return nil
}

func rosParamTarget(rp plan.RosParamOp) string {
	if rp.Param != "" {
		return rp.Namespace + "/" + rp.Param
	}
	return rp.Namespace
}

func applyRosParamLoad(client *registry.Client, rp plan.RosParamOp) error {
	raw := rp.Inline
	if rp.FilePath != "" {
		b, err := os.ReadFile(rp.FilePath)
		if err != nil {
			return fmt.Errorf("rosparam load %q: %w", rp.FilePath, err)
		}
		raw = string(b)
	}
	var doc any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("rosparam load: invalid yaml: %w", err)
	}
	target := rosParamTarget(rp)
	return client.SetYAMLParam(target, yamlToWireValue(doc))
}

func yamlToWireValue(v any) registry.Value {
	switch t := v.(type) {
	case nil:
		return registry.String("")
	case bool:
		return registry.Bool(t)
	case int:
		return registry.Int(int64(t))
	case int64:
		return registry.Int(t)
	case float64:
		return registry.Double(t)
	case string:
		return registry.String(t)
	case []any:
		items := make([]registry.Value, len(t))
		for i, item := range t {
			items[i] = yamlToWireValue(item)
		}
		return registry.List(items)
	case map[string]any:
		m := make(map[string]registry.Value, len(t))
		for k, item := range t {
			m[k] = yamlToWireValue(item)
		}
		return registry.Dict(m)
	default:
		return registry.String(fmt.Sprint(v))
	}
}

func typedValueToWire(v tags.TypedValue) registry.Value {
	switch v.Type {
	case tags.TypeString:
		return registry.String(v.Str)
	case tags.TypeInt:
		return registry.Int(v.Int)
	case tags.TypeDouble:
		return registry.Double(v.Double)
	case tags.TypeBool:
		return registry.Bool(v.Bool)
	case tags.TypeBinary:
		return registry.Binary(v.Binary)
	default:
		return registry.String(v.Str)
	}
}
