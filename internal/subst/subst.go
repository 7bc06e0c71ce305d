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

// Package subst expands $(arg ...), $(env ...), $(optenv ...),
// $(find ...) and $(anon ...) substitutions inside launch-file
// attribute values.
package subst

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Lookup is the scope that a substitution is resolved against. It is
// satisfied by *compiler Scope values; kept as an interface here so
// this package has no dependency on the compiler.
type Lookup interface {
	Arg(name string) (string, bool)
}

// pattern matches a single, non-nested $(cmd args...) substitution.
var pattern = regexp.MustCompile(`\$\(([a-zA-Z]+)([^()]*)\)`)

// Resolver evaluates substitutions against one compiler run. It owns
// the run's anon-id memo, which must be shared across every file
// compiled during a run, and coalesces concurrent $(find ...) lookups
// of the same package; find results are not cached.
type Resolver struct {
	finder Finder

	mu   sync.Mutex
	anon map[string]string

	anonG singleflight.Group
	findG singleflight.Group
}

// Finder resolves a ROS-style package name to its directory, per the
// package-search-path walk described in spec §4.1.
type Finder interface {
	Find(pkg string) (string, error)
}

// New creates a Resolver backed by the given package finder. A single
// Resolver must be shared across every file compiled during one run
// so that $(anon ...) memoization is run-wide, as required by
// spec §5.
func New(finder Finder) *Resolver {
	return &Resolver{
		finder: finder,
		anon:   make(map[string]string),
	}
}

// Eval expands every substitution in s against scope, iterating to a
// fixed point (a replacement may itself contain substitutions).
// Left-to-right order within one pass is preserved because
// regexp.ReplaceAllStringFunc walks matches in order.
func (r *Resolver) Eval(s string, scope Lookup) (string, error) {
	const maxPasses = 32
	for i := 0; i < maxPasses; i++ {
		if !pattern.MatchString(s) {
			return s, nil
		}
		var evalErr error
		out := pattern.ReplaceAllStringFunc(s, func(m string) string {
			if evalErr != nil {
				return m
			}
			groups := pattern.FindStringSubmatch(m)
			cmd, rest := groups[1], strings.TrimSpace(groups[2])
			v, err := r.evalOne(cmd, rest, scope)
			if err != nil {
				evalErr = err
				return m
			}
			return v
		})
		if evalErr != nil {
			return "", evalErr
		}
		if out == s {
			return out, nil
		}
		s = out
	}
	return "", fmt.Errorf("subst: %q did not reach a fixed point after %d passes", s, maxPasses)
}

func (r *Resolver) evalOne(cmd, args string, scope Lookup) (string, error) {
	switch cmd {
	case "arg":
		name := strings.TrimSpace(args)
		if name == "" {
			return "", fmt.Errorf("subst: $(arg) requires a name")
		}
		v, ok := scope.Arg(name)
		if !ok {
			return "", fmt.Errorf("subst: arg %q is not defined in this scope", name)
		}
		return v, nil
	case "env":
		name := strings.TrimSpace(args)
		if name == "" {
			return "", fmt.Errorf("subst: $(env) requires a name")
		}
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("subst: environment variable %q is not set", name)
		}
		return v, nil
	case "optenv":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return "", fmt.Errorf("subst: $(optenv) requires a name")
		}
		name, def := fields[0], fields[1:]
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		return strings.Join(def, " "), nil
	case "find":
		pkg := strings.TrimSpace(args)
		if pkg == "" {
			return "", fmt.Errorf("subst: $(find) requires a package name")
		}
		return r.find(pkg)
	case "anon":
		id := strings.TrimSpace(args)
		if id == "" {
			return "", fmt.Errorf("subst: $(anon) requires an id")
		}
		return r.anonID(id), nil
	default:
		return "", fmt.Errorf("subst: unknown substitution $(%s ...)", cmd)
	}
}
