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

// Package tags holds the typed record for every launch-file element:
// arg, env, remap, param, rosparam, machine, node, test, include,
// group and launch. Each constructor enforces the tag's fixed
// attribute set and mutual-exclusion rules; unknown attributes are
// reported through a shared gopkg.in/warnings.v0 list instead of
// failing the parse.
package tags

import (
	"fmt"
	"strconv"
	"strings"

	warnings "gopkg.in/warnings.v0"
)

// Attrs is the raw attribute bag captured for one XML element, keyed
// by attribute name; as a map it keeps no document order.
type Attrs map[string]string

// Warning is the concrete type appended to a warnings.List when a tag
// carries an attribute outside its recognized schema.
type Warning struct {
	File string
	Tag  string
	Attr string
}

func (w *Warning) Error() string {
	return fmt.Sprintf("%s: <%s>: unrecognized attribute %q", w.File, w.Tag, w.Attr)
}

// reader wraps Attrs with recognized-attribute tracking so a single
// pass can both extract known fields and flag the leftovers.
type reader struct {
	file string
	tag  string
	raw  Attrs
	seen map[string]bool
	w    *warnings.List
}

func newReader(file, tag string, raw Attrs, w *warnings.List) *reader {
	return &reader{file: file, tag: tag, raw: raw, seen: make(map[string]bool), w: w}
}

func (r *reader) get(name string) (string, bool) {
	r.seen[name] = true
	v, ok := r.raw[name]
	return v, ok
}

func (r *reader) getDefault(name, def string) string {
	v, ok := r.get(name)
	if !ok {
		return def
	}
	return v
}

// finish emits a Warning for every attribute in raw that was never
// looked up via get/getDefault.
func (r *reader) finish() {
	for k := range r.raw {
		if !r.seen[k] {
			r.w.Append(&Warning{File: r.file, Tag: r.tag, Attr: k})
		}
	}
}

// Enabled evaluates the if/unless gating attributes shared by every
// tag. Both present is a parse error; an empty boolean string is a
// parse error; text must be exactly "true" or "false" (case folded).
func Enabled(r *reader) (bool, error) {
	ifRaw, hasIf := r.get("if")
	unlessRaw, hasUnless := r.get("unless")
	if hasIf && hasUnless {
		return false, fmt.Errorf("%s: <%s>: \"if\" and \"unless\" are mutually exclusive", r.file, r.tag)
	}
	if hasIf {
		b, err := parseBool(ifRaw)
		if err != nil {
			return false, fmt.Errorf("%s: <%s>: if=%q: %w", r.file, r.tag, ifRaw, err)
		}
		return b, nil
	}
	if hasUnless {
		b, err := parseBool(unlessRaw)
		if err != nil {
			return false, fmt.Errorf("%s: <%s>: unless=%q: %w", r.file, r.tag, unlessRaw, err)
		}
		return !b, nil
	}
	return true, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("boolean text must be \"true\" or \"false\", got %q", s)
	}
}

// ParamType enumerates the typed values a <param> or expanded
// <rosparam> entry may hold.
type ParamType int

const (
	TypeString ParamType = iota
	TypeInt
	TypeDouble
	TypeBool
	TypeBinary
)

func parseParamType(s string) (ParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "str", "string":
		return TypeString, nil
	case "int":
		return TypeInt, nil
	case "double":
		return TypeDouble, nil
	case "bool", "boolean":
		return TypeBool, nil
	default:
		return 0, fmt.Errorf("unknown param type %q", s)
	}
}

// TypedValue is a type-tagged value, validated at parse time against
// its declared ParamType.
type TypedValue struct {
	Type   ParamType
	Str    string
	Int    int64
	Double float64
	Bool   bool
	Binary []byte
}

func newTypedValue(t ParamType, raw string) (TypedValue, error) {
	switch t {
	case TypeString:
		return TypedValue{Type: t, Str: raw}, nil
	case TypeInt:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return TypedValue{}, fmt.Errorf("invalid int value %q: %w", raw, err)
		}
		return TypedValue{Type: t, Int: v}, nil
	case TypeDouble:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return TypedValue{}, fmt.Errorf("invalid double value %q: %w", raw, err)
		}
		return TypedValue{Type: t, Double: v}, nil
	case TypeBool:
		v, err := parseBool(raw)
		if err != nil {
			return TypedValue{}, fmt.Errorf("invalid bool value %q: %w", raw, err)
		}
		return TypedValue{Type: t, Bool: v}, nil
	default:
		return TypedValue{}, fmt.Errorf("unsupported param type %d", t)
	}
}
