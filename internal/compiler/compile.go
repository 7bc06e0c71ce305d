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

// Package compiler recursively parses a launch-file tree: one file at
// a time, scoped symbol tables threaded through <include> and
// <group>, with cycle-safe file inclusion (spec §4.3).
package compiler

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/launchgraph/launchgraph/internal/subst"
	"github.com/launchgraph/launchgraph/internal/tags"
	warnings "gopkg.in/warnings.v0"
)

// Compiler holds the state shared across every file compiled during
// one run: the substitution resolver (with its run-wide anon-id
// memoization) and the accumulated non-fatal warnings.
type Compiler struct {
	Resolver *subst.Resolver
	Warnings *warnings.List

	includeStack []string
}

// New creates a Compiler.
func New(resolver *subst.Resolver) *Compiler {
	return &Compiler{Resolver: resolver, Warnings: &warnings.List{}}
}

// CompileFile parses the root launch file fn with the given starting
// scope (command-line args already merged in by the caller) and
// returns the compiled tree.
func (c *Compiler) CompileFile(fn string, scope Scope) (*Tree, error) {
	tree, _, err := c.compileDocument(fn, scope)
	return tree, err
}

// compileDocument parses one file's <launch> root and returns the
// tree plus the set of arg names declared anywhere in the file, used
// by the caller (an <include>) to detect unused arg overrides.
func (c *Compiler) compileDocument(fn string, scope Scope) (*Tree, map[string]bool, error) {
	abs, err := filepath.Abs(fn)
	if err != nil {
		abs = fn
	}
	for _, ancestor := range c.includeStack {
		if ancestor == abs {
			return nil, nil, fmt.Errorf("cycle in the launch graph: %q includes itself via %v", fn, append(append([]string{}, c.includeStack...), abs))
		}
	}
	c.includeStack = append(c.includeStack, abs)
	defer func() { c.includeStack = c.includeStack[:len(c.includeStack)-1] }()

	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", fn, err)
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	declared := map[string]bool{}

	var root *tags.Launch
	var elements []Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: malformed xml: %w", fn, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "launch" {
			return nil, nil, fmt.Errorf("%s: root element must be <launch>, found <%s>", fn, se.Name.Local)
		}
		root, err = tags.NewLaunch(fn, attrsOf(se), c.Warnings)
		if err != nil {
			return nil, nil, err
		}
		elements, err = c.collectChildren(dec, fn, scope, "launch", declared)
		if err != nil {
			return nil, nil, err
		}
		break
	}
	if root == nil {
		return nil, nil, fmt.Errorf("%s: no <launch> root element found", fn)
	}

	return &Tree{
		File:       fn,
		Namespace:  scope.NS,
		Deprecated: root.Deprecated,
		Elements:   elements,
	}, declared, nil
}

// attrsOf flattens an xml.StartElement's attribute list into the
// tags.Attrs map the tag constructors expect.
func attrsOf(se xml.StartElement) tags.Attrs {
	out := make(tags.Attrs, len(se.Attr))
	for _, a := range se.Attr {
		out[a.Name.Local] = a.Value
	}
	return out
}

// collectChildren reads elements until the matching EndElement for
// closeName, evaluating if/unless and mutating scope in place for
// enabled arg/env/remap siblings, per spec §4.3 step 4.
func (c *Compiler) collectChildren(dec *xml.Decoder, file string, scope Scope, closeName string, declared map[string]bool) ([]Element, error) {
	var out []Element
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%s: malformed xml: %w", file, err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == closeName {
				return out, nil
			}
		case xml.StartElement:
			attrs := attrsOf(t)
			switch t.Name.Local {
			case "arg":
				if err := skipToEnd(dec, "arg"); err != nil {
					return nil, err
				}
				a, err := tags.NewArg(file, attrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				declared[a.Name] = true
				if !a.Enabled {
					continue
				}
				if err := c.applyArg(scope, a); err != nil {
					return nil, err
				}
			case "env":
				if err := skipToEnd(dec, "env"); err != nil {
					return nil, err
				}
				e, err := tags.NewEnv(file, attrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !e.Enabled {
					continue
				}
				v, err := c.Resolver.Eval(e.Value, scope)
				if err != nil {
					return nil, err
				}
				scope.SetEnv(e.Name, v)
			case "remap":
				if err := skipToEnd(dec, "remap"); err != nil {
					return nil, err
				}
				rm, err := tags.NewRemap(file, attrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !rm.Enabled {
					continue
				}
				from, err := c.Resolver.Eval(rm.From, scope)
				if err != nil {
					return nil, err
				}
				to, err := c.Resolver.Eval(rm.To, scope)
				if err != nil {
					return nil, err
				}
				scope.SetRemap(from, to)
			case "param":
				if err := skipToEnd(dec, "param"); err != nil {
					return nil, err
				}
				p, err := tags.NewParam(file, attrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !p.Enabled {
					continue
				}
				rp, err := c.resolveParam(scope, p)
				if err != nil {
					return nil, err
				}
				out = append(out, Element{Kind: KindParam, File: file, Param: rp})
			case "rosparam":
				body, err := readBody(dec, "rosparam")
				if err != nil {
					return nil, err
				}
				rpTag, err := tags.NewRosParam(file, attrs, body, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !rpTag.Enabled {
					continue
				}
				rrp, err := c.resolveRosParam(scope, rpTag)
				if err != nil {
					return nil, err
				}
				out = append(out, Element{Kind: KindRosParam, File: file, RosParam: rrp})
			case "machine":
				if err := skipToEnd(dec, "machine"); err != nil {
					return nil, err
				}
				m, err := tags.NewMachine(file, attrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !m.Enabled {
					continue
				}
				out = append(out, Element{Kind: KindMachine, File: file, Machine: &Machine{Machine: m, File: file}})
			case "node", "test":
				cn, err := c.collectNode(dec, file, scope, t.Name.Local, attrs)
				if err != nil {
					return nil, err
				}
				if cn != nil {
					out = append(out, Element{Kind: KindNode, File: file, Node: cn})
				}
			case "include":
				el, err := c.collectInclude(dec, file, scope, attrs)
				if err != nil {
					return nil, err
				}
				if el != nil {
					out = append(out, *el)
				}
			case "group":
				el, err := c.collectGroup(dec, file, scope, attrs, declared)
				if err != nil {
					return nil, err
				}
				if el != nil {
					out = append(out, *el)
				}
			default:
				if err := skipToEnd(dec, t.Name.Local); err != nil {
					return nil, err
				}
			}
		}
	}
}

// applyArg binds a into scope: a fixed "value" always takes effect;
// a "default" only applies if the name is not already bound (the
// caller's/outer scope's binding wins, spec §4.2); otherwise the arg
// is required and must already be bound.
func (c *Compiler) applyArg(scope Scope, a *tags.Arg) error {
	if a.HasValue {
		v, err := c.Resolver.Eval(a.Value, scope)
		if err != nil {
			return err
		}
		scope.SetArg(a.Name, v)
		return nil
	}
	if _, already := scope.Arg(a.Name); already {
		return nil
	}
	if a.HasDef {
		v, err := c.Resolver.Eval(a.Default, scope)
		if err != nil {
			return err
		}
		scope.SetArg(a.Name, v)
		return nil
	}
	return fmt.Errorf("arg %q is required but was not supplied", a.Name)
}

func skipToEnd(dec *xml.Decoder, name string) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == name {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == name {
				depth--
			}
		}
	}
	return nil
}

// readBody returns the concatenated character data inside an element
// with no nested elements expected (used for <rosparam>).
func readBody(dec *xml.Decoder, name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == name {
				return sb.String(), nil
			}
		}
	}
}

func (c *Compiler) resolveParam(scope Scope, p *tags.Param) (*ResolvedParam, error) {
	var raw string
	switch {
	case p.HasValue:
		v, err := c.Resolver.Eval(p.Value, scope)
		if err != nil {
			return nil, err
		}
		raw = v
	case p.TextFile != "":
		path, err := c.Resolver.Eval(p.TextFile, scope)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("param %q: textfile %q: %w", p.Name, path, err)
		}
		raw = string(b)
	case p.BinFile != "":
		path, err := c.Resolver.Eval(p.BinFile, scope)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("param %q: binfile %q: %w", p.Name, path, err)
		}
		return &ResolvedParam{
			Name:  JoinNamespace(scope.NS, p.Name),
			Value: tags.TypedValue{Type: tags.TypeBinary, Binary: b},
		}, nil
	case p.Command != "":
		cmdLine, err := c.Resolver.Eval(p.Command, scope)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command("sh", "-c", cmdLine)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("param %q: invalid command %q: %w", p.Name, cmdLine, err)
		}
		raw = strings.TrimSpace(string(out))
	}
	tv, err := p.Resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("param %q: %w", p.Name, err)
	}
	return &ResolvedParam{Name: JoinNamespace(scope.NS, p.Name), Value: tv}, nil
}

func (c *Compiler) resolveRosParam(scope Scope, rp *tags.RosParam) (*ResolvedRosParam, error) {
	ns := JoinNamespace(scope.NS, rp.Namespace)
	filePath := rp.File
	inline := rp.Inline
	var err error
	if filePath != "" {
		filePath, err = c.Resolver.Eval(filePath, scope)
		if err != nil {
			return nil, err
		}
	}
	if rp.SubstValue && inline != "" {
		inline, err = c.Resolver.Eval(inline, scope)
		if err != nil {
			return nil, err
		}
	}
	return &ResolvedRosParam{
		Command:   rp.Command,
		Namespace: ns,
		Param:     rp.Param,
		FilePath:  filePath,
		Inline:    inline,
	}, nil
}
