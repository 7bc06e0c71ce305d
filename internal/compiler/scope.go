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

import (
	"strings"

	"dario.cat/mergo"
)

// Scope is the four-tuple carried down the launch tree: args, env,
// remappings and the current namespace. Scopes are value-typed; a
// child scope is produced by copy-on-write extension so a name bound
// in a child never escapes to its parent (spec §3).
type Scope struct {
	Args  map[string]string
	Env   map[string]string
	Remap map[string]string
	NS    string
}

// NewScope returns an empty root scope.
func NewScope() Scope {
	return Scope{
		Args:  map[string]string{},
		Env:   map[string]string{},
		Remap: map[string]string{},
		NS:    "",
	}
}

// Arg satisfies subst.Lookup.
func (s Scope) Arg(name string) (string, bool) {
	v, ok := s.Args[name]
	return v, ok
}

// clone deep-copies the map fields so later in-place mutation of the
// receiver cannot leak into copies taken earlier.
func (s Scope) clone() Scope {
	out := Scope{
		Args:  make(map[string]string, len(s.Args)),
		Env:   make(map[string]string, len(s.Env)),
		Remap: make(map[string]string, len(s.Remap)),
		NS:    s.NS,
	}
	mergo.Merge(&out.Args, s.Args, mergo.WithOverride)
	mergo.Merge(&out.Env, s.Env, mergo.WithOverride)
	mergo.Merge(&out.Remap, s.Remap, mergo.WithOverride)
	return out
}

// Child produces the scope used to compile an <include> or <group>
// body: a copy-on-write extension of s with overrides layered on top
// via mergo, and the namespace joined per spec §4.3.
func (s Scope) Child(ns string, argOverrides, envOverrides map[string]string) Scope {
	child := s.clone()
	mergo.Merge(&child.Args, argOverrides, mergo.WithOverride)
	mergo.Merge(&child.Env, envOverrides, mergo.WithOverride)
	child.NS = JoinNamespace(s.NS, ns)
	return child
}

// SetArg extends the scope in place, as required for <arg> siblings
// within the same file (spec §4.3 step 4).
func (s Scope) SetArg(name, value string) { s.Args[name] = value }

// SetEnv extends the scope in place for <env> siblings.
func (s Scope) SetEnv(name, value string) { s.Env[name] = value }

// SetRemap extends the scope in place for <remap> siblings.
func (s Scope) SetRemap(from, to string) { s.Remap[from] = to }

// JoinNamespace implements spec §4.3's namespace joining rule and the
// §8 invariant: a leading "/" on ns makes it global (replaces the
// parent); otherwise it extends the parent with a single separating
// "/", and the result never contains "//".
func JoinNamespace(parent, ns string) string {
	if ns == "" {
		return parent
	}
	if strings.HasPrefix(ns, "/") {
		return cleanSlashes(ns)
	}
	if parent == "" {
		return cleanSlashes("/" + ns)
	}
	return cleanSlashes(parent + "/" + ns)
}

func cleanSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
