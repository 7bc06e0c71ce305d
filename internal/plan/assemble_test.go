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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/launchgraph/launchgraph/internal/compiler"
	"github.com/launchgraph/launchgraph/internal/subst"
)

type noopFinder struct{}

func (noopFinder) Find(pkg string) (string, error) { return "/opt/" + pkg, nil }

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func compile(t *testing.T, xmlDoc string) *compiler.Tree {
	t.Helper()
	dir := t.TempDir()
	fn := write(t, dir, "a.launch", xmlDoc)
	c := compiler.New(subst.New(noopFinder{}))
	tree, err := c.CompileFile(fn, compiler.NewScope())
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestAssembleDuplicateNodeName(t *testing.T) {
	tree := compile(t, `<launch>
  <node pkg="p" type="t" name="n"/>
  <group ns="/">
    <node pkg="p" type="t" name="n"/>
  </group>
</launch>`)
	_, err := Assemble(tree)
	if err == nil || !strings.Contains(err.Error(), "duplicate resolved node name") {
		t.Fatalf("got %v", err)
	}
}

func TestAssembleMachineAssignmentDefault(t *testing.T) {
	tree := compile(t, `<launch>
  <node pkg="p" type="t" name="n"/>
</launch>`)
	p, err := Assemble(tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Nodes) != 1 || p.Nodes[0].Machine != LocalMachineName {
		t.Fatalf("got %+v", p.Nodes)
	}
	if !p.Machines[LocalMachineName].Local {
		t.Fatal("expected local machine to be marked local")
	}
}

func TestAssembleUnresolvedMachine(t *testing.T) {
	tree := compile(t, `<launch>
  <node pkg="p" type="t" name="n" machine="ghost"/>
</launch>`)
	_, err := Assemble(tree)
	if err == nil || !strings.Contains(err.Error(), "is not declared") {
		t.Fatalf("got %v", err)
	}
}

func TestAssembleMachineConsolidation(t *testing.T) {
	tree := compile(t, `<launch>
  <machine name="m1" address="10.0.0.1" user="robot"/>
  <machine name="m2" address="10.0.0.1" user="robot"/>
  <node pkg="p" type="t" name="a" machine="m1"/>
  <node pkg="p" type="t" name="b" machine="m2"/>
</launch>`)
	p, err := Assemble(tree)
	if err != nil {
		t.Fatal(err)
	}
	if p.Nodes[0].Machine != p.Nodes[1].Machine {
		t.Fatalf("expected m1/m2 to canonicalize to the same machine, got %q and %q", p.Nodes[0].Machine, p.Nodes[1].Machine)
	}
	if len(p.Machines) != 2 { // local + one canonical
		t.Fatalf("expected 2 machines in table, got %d: %+v", len(p.Machines), p.Machines)
	}
}

func TestAssembleNodeSpecStructure(t *testing.T) {
	tree := compile(t, `<launch>
  <node pkg="demo" type="talker" name="talker" required="true">
    <remap from="chatter" to="/loud/chatter"/>
    <env name="FOO" value="bar"/>
  </node>
</launch>`)
	p, err := Assemble(tree)
	if err != nil {
		t.Fatal(err)
	}
	want := ProcessSpec{
		ResolvedName: "/talker",
		Package:      "demo",
		Type:         "talker",
		Required:     true,
		Remap:        map[string]string{"chatter": "/loud/chatter"},
		Env:          map[string]string{"FOO": "bar"},
		Machine:      LocalMachineName,
		File:         p.Nodes[0].File,
	}
	if diff := cmp.Diff(want, p.Nodes[0]); diff != "" {
		t.Fatalf("unexpected node spec (-want +got):\n%s", diff)
	}
}

func TestUnifyClearSet(t *testing.T) {
	got := unifyClearSet([]string{"/a/b", "/a", "/c"})
	want := []string{"/a", "/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestAssembleClearParamsUnification(t *testing.T) {
	tree := compile(t, `<launch>
  <group ns="/foo" clear_params="true">
    <group ns="/foo/bar" clear_params="true"/>
  </group>
  <group ns="/baz" clear_params="true"/>
</launch>`)
	p, err := Assemble(tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ClearSet) != 2 {
		t.Fatalf("got %v", p.ClearSet)
	}
}
