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

package plan

import (
	"fmt"
	"net"
	"os/user"
	"sort"
	"strings"

	"github.com/launchgraph/launchgraph/internal/compiler"
	"golang.org/x/sync/errgroup"
)

// nodeRecord pairs a CompiledNode with the file it was declared in,
// for the duplicate-name diagnostic spec §4.4 requires.
type nodeRecord struct {
	node *compiler.CompiledNode
	file string
}

// Assemble flattens tree into a frozen Plan: node/param/rosparam
// collection, clear-set unification, machine consolidation and
// assignment, and the locality partition (spec §4.4).
func Assemble(tree *compiler.Tree) (*Plan, error) {
	var nodes []nodeRecord
	var params []ParamEntry
	var rosparams []RosParamOp
	var clearNamespaces []string
	var machines []*compiler.Machine

	tree.Walk(func(el compiler.Element) {
		switch el.Kind {
		case compiler.KindNode:
			nodes = append(nodes, nodeRecord{node: el.Node, file: el.File})
		case compiler.KindParam:
			params = append(params, ParamEntry{Name: el.Param.Name, Value: el.Param.Value})
		case compiler.KindRosParam:
			rosparams = append(rosparams, RosParamOp{
				Command:   el.RosParam.Command,
				Namespace: el.RosParam.Namespace,
				Param:     el.RosParam.Param,
				FilePath:  el.RosParam.FilePath,
				Inline:    el.RosParam.Inline,
			})
		case compiler.KindMachine:
			machines = append(machines, el.Machine)
		case compiler.KindGroup:
			if el.Group.ClearParams {
				clearNamespaces = append(clearNamespaces, el.Group.Namespace)
			}
		}
	})
	if tree.ClearParams {
		clearNamespaces = append(clearNamespaces, tree.Namespace)
	}

	resolvedNodes, err := resolveNodeNames(nodes)
	if err != nil {
		return nil, err
	}

	machineTable, alias, err := consolidateMachines(machines)
	if err != nil {
		return nil, err
	}

	specs := make([]ProcessSpec, 0, len(resolvedNodes))
	for _, nr := range resolvedNodes {
		spec, err := toProcessSpec(nr, alias, machineTable)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	if err := partitionLocality(machineTable); err != nil {
		return nil, err
	}

	return &Plan{
		Nodes:     specs,
		Params:    params,
		RosParams: rosparams,
		ClearSet:  unifyClearSet(clearNamespaces),
		Machines:  machineTable,
	}, nil
}

// resolveNodeNames computes each node's resolved name and rejects
// duplicates, naming both declaring files.
func resolveNodeNames(nodes []nodeRecord) (map[string]nodeRecord, error) {
	byName := make(map[string]nodeRecord, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, nr := range nodes {
		name := compiler.JoinNamespace(nr.node.Namespace, nr.node.Tag.Name)
		if prior, ok := byName[name]; ok {
			return nil, fmt.Errorf("duplicate resolved node name %q declared in both %q and %q", name, prior.file, nr.file)
		}
		byName[name] = nr
		order = append(order, name)
	}
	out := make(map[string]nodeRecord, len(byName))
	for _, name := range order {
		out[name] = byName[name]
	}
	return out, nil
}

// unifyClearSet sorts ascending by length, keeps only the shortest
// ancestor among any set of mutual prefixes (spec §4.4), and returns
// the kept namespaces in lexical order.
func unifyClearSet(namespaces []string) []string {
	if len(namespaces) == 0 {
		return nil
	}
	uniq := map[string]bool{}
	for _, ns := range namespaces {
		uniq[ns] = true
	}
	sorted := make([]string, 0, len(uniq))
	for ns := range uniq {
		sorted = append(sorted, ns)
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) < len(sorted[j]) })

	var kept []string
	for _, ns := range sorted {
		covered := false
		for _, k := range kept {
			if ns == k || strings.HasPrefix(ns, k+"/") {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, ns)
		}
	}
	sort.Strings(kept)
	return kept
}

// consolidateMachines collapses declarations with equal connection
// parameters to the first-seen one and returns the canonical table
// plus an alias map from every declared name to its canonical name.
func consolidateMachines(machines []*compiler.Machine) (map[string]*MachineSpec, map[string]string, error) {
	table := map[string]*MachineSpec{
		LocalMachineName: {Name: LocalMachineName, Local: true},
	}
	alias := map[string]string{LocalMachineName: LocalMachineName}
	byKey := map[string]string{}

	for _, m := range machines {
		key := m.ConnKey()
		if canon, ok := byKey[key]; ok {
			alias[m.Name] = canon
			continue
		}
		spec := &MachineSpec{
			Name:      m.Name,
			Address:   m.Address,
			SSHPort:   m.SSHPort,
			User:      m.User,
			Password:  m.Password,
			EnvLoader: m.EnvLoader,
			Timeout:   m.Timeout,
		}
		table[m.Name] = spec
		byKey[key] = m.Name
		alias[m.Name] = m.Name
	}
	return table, alias, nil
}

func toProcessSpec(nr nodeRecord, alias map[string]string, table map[string]*MachineSpec) (ProcessSpec, error) {
	n := nr.node.Tag
	machineName := LocalMachineName
	if n.MachineName != "" {
		canon, ok := alias[n.MachineName]
		if !ok {
			return ProcessSpec{}, fmt.Errorf("%s: <%s name=%q>: machine %q is not declared", nr.file, tagKind(n.IsTest), n.Name, n.MachineName)
		}
		if _, ok := table[canon]; !ok {
			return ProcessSpec{}, fmt.Errorf("%s: <%s name=%q>: machine %q is not declared", nr.file, tagKind(n.IsTest), n.Name, n.MachineName)
		}
		machineName = canon
	}
	return ProcessSpec{
		ResolvedName: compiler.JoinNamespace(nr.node.Namespace, n.Name),
		IsTest:       n.IsTest,
		Package:      n.Pkg,
		Type:         n.Type,
		Namespace:    nr.node.Namespace,
		ArgsExtra:    n.Args,
		Env:          nr.node.Env,
		Remap:        nr.node.Remap,
		CWD:          n.CWD,
		Output:       n.Output,
		Required:     n.Required,
		Respawn:      n.Respawn,
		RespawnDelay: n.RespawnDelay,
		LaunchPrefix: n.LaunchPrefix,
		Machine:      machineName,
		TestName:     n.TestName,
		Retry:        n.Retry,
		TimeLimit:    n.TimeLimit,
		File:         nr.file,
	}, nil
}

func tagKind(isTest bool) string {
	if isTest {
		return "test"
	}
	return "node"
}

// partitionLocality resolves every non-local machine's address
// against this host's interface addresses and marks it Local when
// the address matches and, if a user is configured, it matches the
// current OS user too (spec §4.4). Address resolution is fanned out
// with errgroup since each lookup may block on DNS.
func partitionLocality(table map[string]*MachineSpec) error {
	localAddrs, err := hostInterfaceAddrs()
	if err != nil {
		return fmt.Errorf("listing local interface addresses: %w", err)
	}
	currentUser := ""
	if u, err := user.Current(); err == nil {
		currentUser = u.Username
	}

	var g errgroup.Group
	for _, spec := range table {
		spec := spec
		if spec.Name == LocalMachineName {
			spec.Local = true
			continue
		}
		g.Go(func() error {
			ips, err := net.LookupHost(spec.Address)
			if err != nil {
				// An unreachable address is not itself fatal here;
				// it simply cannot be local. Bring-up will fail
				// later when the remote process actually connects.
				return nil
			}
			matched := false
			for _, ip := range ips {
				if localAddrs[ip] {
					matched = true
					break
				}
			}
			if matched && (spec.User == "" || spec.User == currentUser) {
				spec.Local = true
			}
			return nil
		})
	}
	return g.Wait()
}

func hostInterfaceAddrs() (map[string]bool, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out[ipNet.IP.String()] = true
	}
	return out, nil
}
