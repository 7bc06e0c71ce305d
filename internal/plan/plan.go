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

// Package plan flattens a compiled launch tree into the frozen,
// immutable plan the orchestrator executes: a list of process specs,
// parameter entries, rosparam operations, a unified clear-set, and a
// canonicalized machine table with each node bound to one of them.
package plan

import "github.com/launchgraph/launchgraph/internal/tags"

// WorkingDirPolicy mirrors tags.CWDPolicy, kept distinct so the plan
// package does not leak the tag model's zero-value defaulting into
// its own contract.
type WorkingDirPolicy = tags.CWDPolicy

// OutputPolicy mirrors tags.OutputPolicy.
type OutputPolicy = tags.OutputPolicy

// ProcessSpec is the immutable description of one worker, built by
// Assemble from a CompiledNode plus its resolved machine binding.
type ProcessSpec struct {
	ResolvedName string
	IsTest       bool
	Package      string
	Type         string
	Namespace    string
	ArgsExtra    string
	Env          map[string]string
	Remap        map[string]string
	CWD          WorkingDirPolicy
	Output       OutputPolicy
	Required     bool
	Respawn      bool
	RespawnDelay float64
	LaunchPrefix string
	Machine      string

	TestName  string
	Retry     int
	TimeLimit float64

	File string
}

// ParamEntry is a resolved name bound to a typed value, ready to be
// pushed through the registry client.
type ParamEntry struct {
	Name  string
	Value tags.TypedValue
}

// RosParamOp is a <rosparam> operation with its namespace already
// joined; dictionary expansion into ParamEntry happens lazily at
// write time against the master (spec §4.6).
type RosParamOp struct {
	Command   tags.RosParamCommand
	Namespace string
	Param     string
	FilePath  string
	Inline    string
}

// MachineSpec is a canonicalized <machine> declaration: one entry per
// distinct connection-parameter tuple, keyed by its surviving name.
type MachineSpec struct {
	Name      string
	Address   string
	SSHPort   int
	User      string
	Password  string
	EnvLoader string
	Timeout   float64
	Local     bool
}

// LocalMachineName is the implicit machine every node binds to when
// no machine attribute is given, and the one core/master processes
// always bind to.
const LocalMachineName = "local"

// Plan is the frozen output of Assemble: everything the orchestrator
// needs to bring a run up, with no further launch-file knowledge
// required downstream.
type Plan struct {
	Nodes     []ProcessSpec
	Params    []ParamEntry
	RosParams []RosParamOp
	ClearSet  []string
	Machines  map[string]*MachineSpec
}
