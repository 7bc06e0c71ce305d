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

// Package registry is a minimal client for the parameter-server wire
// protocol (spec §4.5): HTTP POST carrying a hand-rolled XML-RPC-like
// envelope. No general-purpose XML-RPC library is wired in (see
// DESIGN.md) because the wire format is a small, fixed subset — one
// methodCall, one three-element response tuple — and the standard
// library's encoding/xml covers it without pulling in a dependency
// whose fault/introspection machinery this protocol never uses.
package registry

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is a dynamically typed XML-RPC-like value: exactly one field
// is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Bool   bool
	Int    int64
	Double float64
	Str    string
	Binary []byte
	List   []Value
	Dict   map[string]Value
}

// ValueKind discriminates the Value union.
type ValueKind int

const (
	KindBool ValueKind = iota
	KindInt
	KindDouble
	KindString
	KindBinary
	KindList
	KindDict
)

func Bool(b bool) Value                 { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value                 { return Value{Kind: KindInt, Int: i} }
func Double(d float64) Value            { return Value{Kind: KindDouble, Double: d} }
func String(s string) Value             { return Value{Kind: KindString, Str: s} }
func Binary(b []byte) Value             { return Value{Kind: KindBinary, Binary: b} }
func List(v []Value) Value              { return Value{Kind: KindList, List: v} }
func Dict(m map[string]Value) Value     { return Value{Kind: KindDict, Dict: m} }

// escapeXML and unescapeXML cover the five characters the wire
// format requires escaped in string values: & < > " '. Each
// strings.Replacer makes a single left-to-right pass, so a literal
// "&lt;" in the source escapes to "&amp;lt;" and decodes back to
// "&lt;", not "<". The response decoder does not call unescapeXML:
// encoding/xml already resolves these entities in character data.
var xmlEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;", `'`, "&apos;")
var xmlUnescaper = strings.NewReplacer("&lt;", `<`, "&gt;", `>`, "&quot;", `"`, "&apos;", `'`, "&amp;", `&`)

func escapeXML(s string) string   { return xmlEscaper.Replace(s) }
func unescapeXML(s string) string { return xmlUnescaper.Replace(s) }

// encode renders v as a <value>...</value> element.
func (v Value) encode() string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "<value><boolean>1</boolean></value>"
		}
		return "<value><boolean>0</boolean></value>"
	case KindInt:
		return fmt.Sprintf("<value><int>%d</int></value>", v.Int)
	case KindDouble:
		return fmt.Sprintf("<value><double>%s</double></value>", strconv.FormatFloat(v.Double, 'g', -1, 64))
	case KindString:
		return fmt.Sprintf("<value><string>%s</string></value>", escapeXML(v.Str))
	case KindBinary:
		return fmt.Sprintf("<value><base64>%s</base64></value>", base64.StdEncoding.EncodeToString(v.Binary))
	case KindList:
		var sb []byte
		sb = append(sb, "<value><array><data>"...)
		for _, item := range v.List {
			sb = append(sb, item.encode()...)
		}
		sb = append(sb, "</data></array></value>"...)
		return string(sb)
	case KindDict:
		names := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			names = append(names, k)
		}
		sort.Strings(names)
		var sb []byte
		sb = append(sb, "<value><struct>"...)
		for _, name := range names {
			sb = append(sb, "<member><name>"...)
			sb = append(sb, escapeXML(name)...)
			sb = append(sb, "</name>"...)
			sb = append(sb, v.Dict[name].encode()...)
			sb = append(sb, "</member>"...)
		}
		sb = append(sb, "</struct></value>"...)
		return string(sb)
	default:
		return "<value></value>"
	}
}
