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

package main

import (
	"flag"
	"testing"

	cli "github.com/urfave/cli/v2"
)

func TestSplitPositionalsSeparatesFilesAndBindings(t *testing.T) {
	files, bindings, err := splitPositionals([]string{
		"a.launch", "topic:=chatter", "b.launch", "__name:=ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "a.launch" || files[1] != "b.launch" {
		t.Fatalf("got files %v", files)
	}
	if bindings["topic"] != "chatter" {
		t.Fatalf("got bindings %v", bindings)
	}
	if _, ok := bindings["__name"]; ok {
		t.Fatal("expected __-prefixed bindings to be skipped")
	}
}

// newTestContext declares every flag checkCrossConstraints reads and
// then parses args against them, so cli.Context.IsSet reports exactly
// the flags the test actually passed (stdlib flag.FlagSet.Visit only
// reports flags seen during Parse, not ones merely registered with a
// default).
func newTestContext(t *testing.T, args []string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, name := range []string{"nodes", "ros-args", "dump-params", "wait", "core"} {
		set.Bool(name, false, "")
	}
	for _, name := range []string{"child", "find-node", "args", "server_uri", "run_id"} {
		set.String(name, "", "")
	}
	set.Int("port", 0, "")
	if err := set.Parse(args); err != nil {
		t.Fatal(err)
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestCheckCrossConstraintsInfoModesExclusive(t *testing.T) {
	c := newTestContext(t, []string{"--nodes", "--ros-args"})
	if err := checkCrossConstraints(c, []string{"a.launch"}); err == nil {
		t.Fatal("expected pairwise-exclusive info modes to error")
	}
}

func TestCheckCrossConstraintsWaitAndCoreExclusive(t *testing.T) {
	c := newTestContext(t, []string{"--wait", "--core"})
	if err := checkCrossConstraints(c, nil); err == nil {
		t.Fatal("expected --wait and --core to be exclusive")
	}
}

func TestCheckCrossConstraintsChildRequiresServerURIAndRunID(t *testing.T) {
	c := newTestContext(t, []string{"--child", "/talker"})
	if err := checkCrossConstraints(c, nil); err == nil {
		t.Fatal("expected --child without --server_uri/--run_id to error")
	}
}

func TestCheckCrossConstraintsChildForbidsLaunchFiles(t *testing.T) {
	c := newTestContext(t, []string{
		"--child", "/talker", "--server_uri", "http://localhost:11311/", "--run_id", "r1",
	})
	if err := checkCrossConstraints(c, []string{"a.launch"}); err == nil {
		t.Fatal("expected --child with launch files to error")
	}
}

func TestCheckCrossConstraintsCoreForbidsLaunchFilesAndRunID(t *testing.T) {
	c := newTestContext(t, []string{"--core", "--run_id", "r1"})
	if err := checkCrossConstraints(c, nil); err == nil {
		t.Fatal("expected --core with --run_id to error")
	}
}

func TestCheckCrossConstraintsOK(t *testing.T) {
	c := newTestContext(t, nil)
	if err := checkCrossConstraints(c, []string{"a.launch"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
