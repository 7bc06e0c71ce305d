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

package compiler

import "github.com/launchgraph/launchgraph/internal/tags"

// ElementKind discriminates the Element union.
type ElementKind int

const (
	KindNode ElementKind = iota
	KindParam
	KindRosParam
	KindMachine
	KindGroup
)

// ResolvedParam is a <param> after substitution and command/textfile/
// binfile resolution: its name has already been joined with the
// effective namespace it was declared in.
type ResolvedParam struct {
	Name  string
	Value tags.TypedValue
}

// ResolvedRosParam is a <rosparam> after substitution (if
// subst_value was set) but before YAML expansion, which the
// assembler performs lazily per spec §3 (RosParamOp).
type ResolvedRosParam struct {
	Command   tags.RosParamCommand
	Namespace string
	Param     string
	FilePath  string
	Inline    string
}

// CompiledNode is a <node>/<test> tag plus the children (env, remap,
// param, rosparam) declared inside it and the namespace it resolves
// against. ProcessSpec (component G/H) is built from this.
type CompiledNode struct {
	Tag       *tags.Node
	Namespace string
	Env       map[string]string
	Remap     map[string]string
	Params    []ResolvedParam
	RosParams []ResolvedRosParam
}

// Element is one entry of a compiled Tree, in document order. Only
// one of the typed fields is populated, selected by Kind.
type Element struct {
	Kind ElementKind
	File string

	Node     *CompiledNode
	Param    *ResolvedParam
	RosParam *ResolvedRosParam
	Machine  *Machine

	// Group holds the sub-tree for a <group>, already namespaced and
	// with its own ClearParams/Namespace recorded for the assembler's
	// clear-set unification pass.
	Group *Tree
}

// Machine is a *tags.Machine plus the file it was declared in, kept
// for duplicate/ambiguity diagnostics.
type Machine struct {
	*tags.Machine
	File string
}

// Tree is one compiled launch document (or group/include body): the
// ordered list of enabled elements plus the namespace and
// clear_params flag it was compiled under.
type Tree struct {
	File        string
	Namespace   string
	ClearParams bool
	Deprecated  string
	Elements    []Element
}

// Walk calls fn for every element in the tree, recursing into nested
// groups depth-first and in document order, as required by the
// config assembler's traversal (spec §4.4).
func (t *Tree) Walk(fn func(Element)) {
	for _, el := range t.Elements {
		fn(el)
		if el.Kind == KindGroup && el.Group != nil {
			el.Group.Walk(fn)
		}
	}
}
