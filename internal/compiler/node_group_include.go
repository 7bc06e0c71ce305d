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
	"encoding/xml"
	"fmt"
	"os"

	"github.com/launchgraph/launchgraph/internal/tags"
)

// collectNode parses a <node> or <test> element, including its
// env/remap/param/rosparam children, which are local to the node and
// never visible to siblings.
func (c *Compiler) collectNode(dec *xml.Decoder, file string, scope Scope, tagName string, attrs tags.Attrs) (*CompiledNode, error) {
	var tag *tags.Node
	var err error
	if tagName == "test" {
		tag, err = tags.NewTest(file, attrs, c.Warnings)
	} else {
		tag, err = tags.NewNode(file, attrs, c.Warnings)
	}
	if err != nil {
		return nil, err
	}
	if !tag.Enabled {
		if err := skipToEnd(dec, tagName); err != nil {
			return nil, err
		}
		return nil, nil
	}

	nodeScope := scope.Child(tag.Namespace, nil, nil)
	cn := &CompiledNode{
		Tag:       tag,
		Namespace: nodeScope.NS,
		Env:       nodeScope.Env,
		Remap:     nodeScope.Remap,
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == tagName {
				return cn, nil
			}
		case xml.StartElement:
			childAttrs := attrsOf(t)
			switch t.Name.Local {
			case "env":
				if err := skipToEnd(dec, "env"); err != nil {
					return nil, err
				}
				e, err := tags.NewEnv(file, childAttrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !e.Enabled {
					continue
				}
				v, err := c.Resolver.Eval(e.Value, nodeScope)
				if err != nil {
					return nil, err
				}
				nodeScope.SetEnv(e.Name, v)
			case "remap":
				if err := skipToEnd(dec, "remap"); err != nil {
					return nil, err
				}
				rm, err := tags.NewRemap(file, childAttrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !rm.Enabled {
					continue
				}
				from, err := c.Resolver.Eval(rm.From, nodeScope)
				if err != nil {
					return nil, err
				}
				to, err := c.Resolver.Eval(rm.To, nodeScope)
				if err != nil {
					return nil, err
				}
				nodeScope.SetRemap(from, to)
			case "param":
				if err := skipToEnd(dec, "param"); err != nil {
					return nil, err
				}
				p, err := tags.NewParam(file, childAttrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !p.Enabled {
					continue
				}
				rp, err := c.resolveParam(nodeScope, p)
				if err != nil {
					return nil, err
				}
				cn.Params = append(cn.Params, *rp)
			case "rosparam":
				body, err := readBody(dec, "rosparam")
				if err != nil {
					return nil, err
				}
				rpTag, err := tags.NewRosParam(file, childAttrs, body, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !rpTag.Enabled {
					continue
				}
				rrp, err := c.resolveRosParam(nodeScope, rpTag)
				if err != nil {
					return nil, err
				}
				cn.RosParams = append(cn.RosParams, *rrp)
			default:
				return nil, fmt.Errorf("%s: <%s name=%q>: <%s> is not a valid child", file, tagName, tag.Name, t.Name.Local)
			}
		}
	}
}

// collectGroup parses a <group> element: its body uses the same
// production rule as <launch> (spec §4.2), nested under the group's
// own namespace.
func (c *Compiler) collectGroup(dec *xml.Decoder, file string, scope Scope, attrs tags.Attrs, declared map[string]bool) (*Element, error) {
	g, err := tags.NewGroup(file, attrs, c.Warnings)
	if err != nil {
		return nil, err
	}
	if !g.Enabled {
		if err := skipToEnd(dec, "group"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	childScope := scope.Child(g.Namespace, nil, nil)
	elements, err := c.collectChildren(dec, file, childScope, "group", declared)
	if err != nil {
		return nil, err
	}
	return &Element{
		Kind: KindGroup,
		File: file,
		Group: &Tree{
			File:        file,
			Namespace:   childScope.NS,
			ClearParams: g.ClearParams,
			Elements:    elements,
		},
	}, nil
}

// collectInclude parses an <include> element: its own arg/env
// children become overrides for the included file's scope, the
// included file is recursed into with cycle detection, and every
// supplied arg override must correspond to an arg actually declared
// in the included file.
func (c *Compiler) collectInclude(dec *xml.Decoder, file string, scope Scope, attrs tags.Attrs) (*Element, error) {
	inc, err := tags.NewInclude(file, attrs, c.Warnings)
	if err != nil {
		return nil, err
	}
	if !inc.Enabled {
		if err := skipToEnd(dec, "include"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	argOverrides := map[string]string{}
	envOverrides := map[string]string{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "include" {
				goto done
			}
		case xml.StartElement:
			childAttrs := attrsOf(t)
			switch t.Name.Local {
			case "arg":
				if err := skipToEnd(dec, "arg"); err != nil {
					return nil, err
				}
				a, err := tags.NewArg(file, childAttrs, c.Warnings)
				if err != nil {
					return nil, err
				}
				if !a.Enabled {
					continue
				}
				var v string
				if a.HasValue {
					v, err = c.Resolver.Eval(a.Value, scope)
				} else if a.HasDef {
					v, err = c.Resolver.Eval(a.Default, scope)
				} else {
					return nil, fmt.Errorf("%s: <include file=%q>: <arg name=%q> passed to include requires a value", file, inc.File, a.Name)
				}
				if err != nil {
					return nil, err
				}
				argOverrides[a.Name] = v
			case "env":
				if err := skipToEnd(dec, "env"); err != nil {
					return nil, err
				}
				e, err := tags.NewEnv(file, childAttrs, c.Warnings)
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
				envOverrides[e.Name] = v
			default:
				return nil, fmt.Errorf("%s: <include file=%q>: <%s> is not a valid child", file, inc.File, t.Name.Local)
			}
		}
	}
done:
	target, err := c.Resolver.Eval(inc.File, scope)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("%s: <include>: file %q does not exist: %w", file, target, err)
	}

	childScope := scope.Child(inc.Namespace, argOverrides, envOverrides)
	subtree, declaredInChild, err := c.compileDocument(target, childScope)
	if err != nil {
		return nil, err
	}
	for name := range argOverrides {
		if !declaredInChild[name] {
			return nil, fmt.Errorf("%s: <include file=%q>: arg %q was supplied but is not declared in the included file", file, target, name)
		}
	}

	subtree.ClearParams = inc.ClearParams
	return &Element{Kind: KindGroup, File: file, Group: subtree}, nil
}
