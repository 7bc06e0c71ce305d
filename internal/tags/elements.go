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

package tags

import (
	"fmt"
	"strconv"
	"strings"

	warnings "gopkg.in/warnings.v0"
)

// Arg is the <arg> tag: exactly one of Value/Default may be set; both
// empty means the arg is required from the caller.
type Arg struct {
	Name     string
	Value    string
	HasValue bool
	Default  string
	HasDef   bool
	Doc      string
	Enabled  bool
}

// NewArg parses an <arg> element's attributes.
func NewArg(file string, raw Attrs, w *warnings.List) (*Arg, error) {
	r := newReader(file, "arg", raw, w)
	defer r.finish()

	name, ok := r.get("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: <arg>: \"name\" is required", file)
	}
	value, hasValue := r.get("value")
	def, hasDef := r.get("default")
	if hasValue && hasDef {
		return nil, fmt.Errorf("%s: <arg name=%q>: \"value\" and \"default\" are mutually exclusive", file, name)
	}
	doc := r.getDefault("doc", "")
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Arg{
		Name: name, Value: value, HasValue: hasValue,
		Default: def, HasDef: hasDef, Doc: doc, Enabled: enabled,
	}, nil
}

// Env is the <env> tag.
type Env struct {
	Name    string
	Value   string
	Enabled bool
}

func NewEnv(file string, raw Attrs, w *warnings.List) (*Env, error) {
	r := newReader(file, "env", raw, w)
	defer r.finish()

	name, ok := r.get("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: <env>: \"name\" is required", file)
	}
	value, ok := r.get("value")
	if !ok {
		return nil, fmt.Errorf("%s: <env name=%q>: \"value\" is required", file, name)
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Env{Name: name, Value: value, Enabled: enabled}, nil
}

// Remap is the <remap> tag.
type Remap struct {
	From    string
	To      string
	Enabled bool
}

func NewRemap(file string, raw Attrs, w *warnings.List) (*Remap, error) {
	r := newReader(file, "remap", raw, w)
	defer r.finish()

	from, ok := r.get("from")
	if !ok || from == "" {
		return nil, fmt.Errorf("%s: <remap>: \"from\" is required", file)
	}
	to, ok := r.get("to")
	if !ok || to == "" {
		return nil, fmt.Errorf("%s: <remap>: \"to\" is required", file)
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Remap{From: from, To: to, Enabled: enabled}, nil
}

// Param is the <param> tag, before the substitution pass resolves its
// source into TypedValue (command/textfile/binfile are resolved by
// the compiler, which has the filesystem/exec collaborators).
type Param struct {
	Name      string
	Type      ParamType
	Value     string
	HasValue  bool
	TextFile  string
	BinFile   string
	Command   string
	Enabled   bool
}

func NewParam(file string, raw Attrs, w *warnings.List) (*Param, error) {
	r := newReader(file, "param", raw, w)
	defer r.finish()

	name, ok := r.get("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: <param>: \"name\" is required", file)
	}
	value, hasValue := r.get("value")
	textfile := r.getDefault("textfile", "")
	binfile := r.getDefault("binfile", "")
	command := r.getDefault("command", "")

	count := 0
	for _, has := range []bool{hasValue, textfile != "", binfile != "", command != ""} {
		if has {
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("%s: <param name=%q>: exactly one of value/textfile/binfile/command is required", file, name)
	}

	typeRaw := r.getDefault("type", "")
	typ, err := parseParamType(typeRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <param name=%q>: %w", file, name, err)
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Param{
		Name: name, Type: typ, Value: value, HasValue: hasValue,
		TextFile: textfile, BinFile: binfile, Command: command, Enabled: enabled,
	}, nil
}

// Resolve validates and type-converts p.Value once substitution has
// already expanded it (or the file/command value captured for
// textfile/binfile/command params).
func (p *Param) Resolve(resolvedValue string) (TypedValue, error) {
	return newTypedValue(p.Type, resolvedValue)
}

// RosParamCommand enumerates the <rosparam> command attribute.
type RosParamCommand int

const (
	RosParamLoad RosParamCommand = iota
	RosParamDump
	RosParamDelete
)

// RosParam is the <rosparam> tag.
type RosParam struct {
	Command     RosParamCommand
	Namespace   string
	Param       string
	File        string
	Inline      string
	SubstValue  bool
	Enabled     bool
}

func NewRosParam(file string, raw Attrs, body string, w *warnings.List) (*RosParam, error) {
	r := newReader(file, "rosparam", raw, w)
	defer r.finish()

	cmdRaw := r.getDefault("command", "load")
	var cmd RosParamCommand
	switch strings.ToLower(cmdRaw) {
	case "load":
		cmd = RosParamLoad
	case "dump":
		cmd = RosParamDump
	case "delete":
		cmd = RosParamDelete
	default:
		return nil, fmt.Errorf("%s: <rosparam>: unknown command %q", file, cmdRaw)
	}

	paramName := r.getDefault("param", "")
	ns := r.getDefault("ns", "")
	fileAttr := r.getDefault("file", "")
	substRaw := r.getDefault("subst_value", "false")
	subst, err := parseBool(substRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <rosparam>: subst_value=%q: %w", file, substRaw, err)
	}

	if cmd == RosParamDelete && fileAttr != "" {
		return nil, fmt.Errorf("%s: <rosparam command=\"delete\">: \"file\" is forbidden", file)
	}
	if cmd == RosParamLoad && fileAttr == "" && strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%s: <rosparam command=\"load\">: requires a \"file\" attribute or inline body", file)
	}

	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &RosParam{
		Command: cmd, Namespace: ns, Param: paramName, File: fileAttr,
		Inline: body, SubstValue: subst, Enabled: enabled,
	}, nil
}

// MachineDefault enumerates the <machine default=""> attribute.
type MachineDefault int

const (
	MachineDefaultNo MachineDefault = iota
	MachineDefaultYes
	MachineDefaultNever
)

// Machine is the <machine> tag.
type Machine struct {
	Name      string
	Address   string
	SSHPort   int
	User      string
	Password  string
	EnvLoader string
	Timeout   float64
	Default   MachineDefault
	Enabled   bool
}

func NewMachine(file string, raw Attrs, w *warnings.List) (*Machine, error) {
	r := newReader(file, "machine", raw, w)
	defer r.finish()

	name, ok := r.get("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: <machine>: \"name\" is required", file)
	}
	addr, ok := r.get("address")
	if !ok || addr == "" {
		return nil, fmt.Errorf("%s: <machine name=%q>: \"address\" is required", file, name)
	}
	port := 22
	if portRaw, ok := r.get("ssh-port"); ok {
		v, err := strconv.Atoi(strings.TrimSpace(portRaw))
		if err != nil {
			return nil, fmt.Errorf("%s: <machine name=%q>: ssh-port=%q: %w", file, name, portRaw, err)
		}
		port = v
	}
	timeout := 10.0
	if timeoutRaw, ok := r.get("timeout"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(timeoutRaw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: <machine name=%q>: timeout=%q: %w", file, name, timeoutRaw, err)
		}
		timeout = v
	}
	def := MachineDefaultNo
	if defRaw, ok := r.get("default"); ok {
		switch strings.ToLower(strings.TrimSpace(defRaw)) {
		case "true":
			def = MachineDefaultYes
		case "false":
			def = MachineDefaultNo
		case "never":
			def = MachineDefaultNever
		default:
			return nil, fmt.Errorf("%s: <machine name=%q>: default=%q must be true/false/never", file, name, defRaw)
		}
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Machine{
		Name: name, Address: addr, SSHPort: port,
		User: r.getDefault("user", ""), Password: r.getDefault("password", ""),
		EnvLoader: r.getDefault("env-loader", ""), Timeout: timeout,
		Default: def, Enabled: enabled,
	}, nil
}

// ConnKey is the equality key used to canonicalize duplicate machine
// declarations (spec §4.4: equality ignores Name).
func (m *Machine) ConnKey() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%g", m.Address, m.SSHPort, m.User, m.Password, m.EnvLoader, m.Timeout)
}

// CWDPolicy enumerates the <node cwd=""> / <test cwd=""> attribute.
type CWDPolicy int

const (
	CWDRosHome CWDPolicy = iota
	CWDRosRoot
	CWDCwd
	CWDNode
)

// OutputPolicy enumerates the <node output=""> attribute.
type OutputPolicy int

const (
	OutputLog OutputPolicy = iota
	OutputScreen
)

// Node is the <node> tag (and the basis for <test>, see NewTest).
type Node struct {
	IsTest        bool
	Name          string
	Pkg           string
	Type          string
	Namespace     string
	Output        OutputPolicy
	CWD           CWDPolicy
	Respawn       bool
	RespawnDelay  float64
	Required      bool
	LaunchPrefix  string
	MachineName   string
	Args          string
	TestName      string
	Retry         int
	TimeLimit     float64
	Enabled       bool
}

func NewNode(file string, raw Attrs, w *warnings.List) (*Node, error) {
	return newNodeOrTest(file, "node", raw, w)
}

// NewTest parses a <test> element, which shares <node>'s grammar plus
// test-name/retry/time-limit and a restricted cwd alphabet.
func NewTest(file string, raw Attrs, w *warnings.List) (*Node, error) {
	n, err := newNodeOrTest(file, "test", raw, w)
	if err != nil {
		return nil, err
	}
	n.IsTest = true
	return n, nil
}

func newNodeOrTest(file, tagName string, raw Attrs, w *warnings.List) (*Node, error) {
	r := newReader(file, tagName, raw, w)
	defer r.finish()

	isTest := tagName == "test"

	name, ok := r.get("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: <%s>: \"name\" is required", file, tagName)
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("%s: <%s name=%q>: name must not contain '/'", file, tagName, name)
	}
	pkg, ok := r.get("pkg")
	if !ok || pkg == "" {
		return nil, fmt.Errorf("%s: <%s name=%q>: \"pkg\" is required", file, tagName, name)
	}
	typ, ok := r.get("type")
	if !ok || typ == "" {
		return nil, fmt.Errorf("%s: <%s name=%q>: \"type\" is required", file, tagName, name)
	}

	outputRaw := r.getDefault("output", "log")
	var output OutputPolicy
	switch outputRaw {
	case "log":
		output = OutputLog
	case "screen":
		output = OutputScreen
	default:
		return nil, fmt.Errorf("%s: <%s name=%q>: output=%q must be log/screen", file, tagName, name, outputRaw)
	}

	cwdDefault := "ros-home"
	cwdRaw := r.getDefault("cwd", cwdDefault)
	var cwd CWDPolicy
	switch cwdRaw {
	case "ros-home", "ROS_HOME":
		cwd = CWDRosHome
	case "ros-root":
		if isTest {
			return nil, fmt.Errorf("%s: <test name=%q>: cwd=\"ros-root\" is not allowed for <test>", file, name)
		}
		cwd = CWDRosRoot
	case "cwd":
		if isTest {
			return nil, fmt.Errorf("%s: <test name=%q>: cwd=\"cwd\" is not allowed for <test>", file, name)
		}
		cwd = CWDCwd
	case "node":
		cwd = CWDNode
	default:
		return nil, fmt.Errorf("%s: <%s name=%q>: cwd=%q is not recognized", file, tagName, name, cwdRaw)
	}

	respawnRaw := r.getDefault("respawn", "false")
	respawn, err := parseBool(respawnRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <%s name=%q>: respawn=%q: %w", file, tagName, name, respawnRaw, err)
	}
	requiredRaw := r.getDefault("required", "false")
	required, err := parseBool(requiredRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <%s name=%q>: required=%q: %w", file, tagName, name, requiredRaw, err)
	}
	if respawn && required {
		return nil, fmt.Errorf("%s: <%s name=%q>: respawn and required are mutually exclusive", file, tagName, name)
	}
	respawnDelay := 0.0
	if v, ok := r.get("respawn_delay"); ok {
		respawnDelay, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: <%s name=%q>: respawn_delay=%q: %w", file, tagName, name, v, err)
		}
	}

	node := &Node{
		IsTest: isTest, Name: name, Pkg: pkg, Type: typ,
		Namespace: r.getDefault("ns", ""), Output: output, CWD: cwd,
		Respawn: respawn, RespawnDelay: respawnDelay, Required: required,
		LaunchPrefix: r.getDefault("launch-prefix", ""),
		MachineName:  r.getDefault("machine", ""),
		Args:         r.getDefault("args", ""),
	}

	if isTest {
		node.TestName = r.getDefault("test-name", "")
		if node.TestName == "" {
			return nil, fmt.Errorf("%s: <test name=%q>: \"test-name\" is required", file, name)
		}
		if strings.Contains(node.TestName, "/") {
			return nil, fmt.Errorf("%s: <test name=%q>: test-name must not contain '/'", file, name)
		}
		node.Retry = 0
		if v, ok := r.get("retry"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%s: <test name=%q>: retry=%q: %w", file, name, v, err)
			}
			node.Retry = n
		}
		node.TimeLimit = 60.0
		if v, ok := r.get("time-limit"); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: <test name=%q>: time-limit=%q: %w", file, name, v, err)
			}
			node.TimeLimit = f
		}
	}

	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	node.Enabled = enabled
	return node, nil
}

// Include is the <include> tag.
type Include struct {
	File         string
	ClearParams  bool
	Namespace    string
	Enabled      bool
}

func NewInclude(file string, raw Attrs, w *warnings.List) (*Include, error) {
	r := newReader(file, "include", raw, w)
	defer r.finish()

	target, ok := r.get("file")
	if !ok || target == "" {
		return nil, fmt.Errorf("%s: <include>: \"file\" is required", file)
	}
	ns := r.getDefault("ns", "")
	clearRaw := r.getDefault("clear_params", "false")
	clear, err := parseBool(clearRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <include file=%q>: clear_params=%q: %w", file, target, clearRaw, err)
	}
	if clear && ns == "" {
		return nil, fmt.Errorf("%s: <include file=%q>: clear_params requires \"ns\"", file, target)
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Include{File: target, ClearParams: clear, Namespace: ns, Enabled: enabled}, nil
}

// Group is the <group> tag.
type Group struct {
	Namespace   string
	ClearParams bool
	Enabled     bool
}

func NewGroup(file string, raw Attrs, w *warnings.List) (*Group, error) {
	r := newReader(file, "group", raw, w)
	defer r.finish()

	ns := r.getDefault("ns", "")
	clearRaw := r.getDefault("clear_params", "false")
	clear, err := parseBool(clearRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: <group>: clear_params=%q: %w", file, clearRaw, err)
	}
	if clear && ns == "" {
		return nil, fmt.Errorf("%s: <group>: clear_params requires \"ns\"", file)
	}
	enabled, err := Enabled(r)
	if err != nil {
		return nil, err
	}
	return &Group{Namespace: ns, ClearParams: clear, Enabled: enabled}, nil
}

// Launch is the root <launch> tag.
type Launch struct {
	Deprecated string
}

func NewLaunch(file string, raw Attrs, w *warnings.List) (*Launch, error) {
	r := newReader(file, "launch", raw, w)
	defer r.finish()
	return &Launch{Deprecated: r.getDefault("deprecated", "")}, nil
}
