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

package subst

import (
	"os"
	"testing"
)

type mapLookup map[string]string

func (m mapLookup) Arg(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

type stubFinder struct{ dir string }

func (s stubFinder) Find(pkg string) (string, error) { return s.dir + "/" + pkg, nil }

func TestEvalArg(t *testing.T) {
	r := New(stubFinder{})
	got, err := r.Eval("$(arg name)", mapLookup{"name": "foo"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo" {
		t.Fatalf("got %q, want foo", got)
	}
}

func TestEvalArgMissing(t *testing.T) {
	r := New(stubFinder{})
	if _, err := r.Eval("$(arg missing)", mapLookup{}); err == nil {
		t.Fatal("expected error for undefined arg")
	}
}

func TestEvalFixedPoint(t *testing.T) {
	r := New(stubFinder{})
	scope := mapLookup{"a": "$(arg b)", "b": "42"}
	got, err := r.Eval("$(arg a)", scope)
	if err != nil {
		t.Fatal(err)
	}
	if got != "42" {
		t.Fatalf("got %q, want 42", got)
	}
}

func TestEvalEnv(t *testing.T) {
	os.Setenv("LAUNCHGRAPH_TEST_VAR", "hello")
	defer os.Unsetenv("LAUNCHGRAPH_TEST_VAR")
	r := New(stubFinder{})
	got, err := r.Eval("$(env LAUNCHGRAPH_TEST_VAR)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestEvalOptEnvDefault(t *testing.T) {
	os.Unsetenv("LAUNCHGRAPH_TEST_OPTVAR")
	r := New(stubFinder{})
	got, err := r.Eval("$(optenv LAUNCHGRAPH_TEST_OPTVAR fallback words)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback words" {
		t.Fatalf("got %q, want %q", got, "fallback words")
	}
}

func TestAnonIDMemoized(t *testing.T) {
	r := New(stubFinder{})
	a, err := r.Eval("$(anon foo)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Eval("$(anon foo)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("anon id not memoized: %q != %q", a, b)
	}
	c, err := r.Eval("$(anon bar)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatalf("different anon ids collided: %q", c)
	}
}

func TestFind(t *testing.T) {
	r := New(stubFinder{dir: "/opt/ros"})
	got, err := r.Eval("$(find mypkg)", mapLookup{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "/opt/ros/mypkg" {
		t.Fatalf("got %q", got)
	}
}
