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

package orchestrator

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/launchgraph/launchgraph/internal/plan"
	"github.com/launchgraph/launchgraph/internal/registry"
)

func writeLaunchFile(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "a.launch")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompileFlattensNodesAndArgs(t *testing.T) {
	dir := t.TempDir()
	fn := writeLaunchFile(t, dir, `<launch>
  <arg name="topic" default="chatter"/>
  <node pkg="demo" type="talker" name="talker">
    <remap from="chatter" to="$(arg topic)"/>
  </node>
</launch>`)

	p, err := Compile(Options{Files: []string{fn}, Args: map[string]string{"topic": "override"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Nodes) != 1 {
		t.Fatalf("got %d nodes", len(p.Nodes))
	}
	if got := p.Nodes[0].Remap["chatter"]; got != "override" {
		t.Fatalf("got remap %q, want command-line arg to override default", got)
	}
}

type fakeMaster struct {
	mu     sync.Mutex
	params map[string]string
}

func (f *fakeMaster) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		call := string(body)
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.Contains(call, "getSystemState"):
			fmt.Fprint(w, tupleXML(`<array><data></data></array>`))
		case strings.Contains(call, "hasParam"):
			_, ok := f.params["/run_id"]
			fmt.Fprint(w, tupleXML(boolXML(ok)))
		case strings.Contains(call, "setParam"):
			f.params["/run_id"] = "R"
			fmt.Fprint(w, tupleXML(`<boolean>1</boolean>`))
		case strings.Contains(call, "getParam"):
			fmt.Fprint(w, tupleXML(`<string>R</string>`))
		default:
			fmt.Fprint(w, tupleXML(`<boolean>1</boolean>`))
		}
	}
}

func tupleXML(retValue string) string {
	return `<?xml version="1.0"?><methodResponse><params><param><value><array><data>
<value><int>1</int></value><value><string>ok</string></value><value>` + retValue + `</value>
</data></array></value></param></params></methodResponse>`
}

func boolXML(b bool) string {
	if b {
		return `<boolean>1</boolean>`
	}
	return `<boolean>0</boolean>`
}

// paramServer is a minimal setParam/getParam fake used to test
// PushNodeSpec/FetchNodeSpec without a real registry.
type paramServer struct {
	mu     sync.Mutex
	params map[string]string
}

type rpcCall struct {
	MethodName string    `xml:"methodName"`
	Params     []rpcElem `xml:"params>param>value"`
}

type rpcElem struct {
	String string `xml:"string"`
}

func (p *paramServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var call rpcCall
		if err := xml.Unmarshal(body, &call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		switch call.MethodName {
		case "setParam":
			p.params[call.Params[1].String] = call.Params[2].String
			fmt.Fprint(w, tupleXML(`<boolean>1</boolean>`))
		case "getParam":
			fmt.Fprint(w, tupleXML(`<string>`+p.params[call.Params[1].String]+`</string>`))
		default:
			fmt.Fprint(w, tupleXML(`<boolean>1</boolean>`))
		}
	}
}

func TestPushAndFetchNodeSpecRoundTrip(t *testing.T) {
	srv := &paramServer{params: map[string]string{}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	client := registry.New(ts.URL, "/launchgraph")
	want := plan.ProcessSpec{ResolvedName: "/ns/talker", Package: "demo", Type: "talker", Required: true}
	if err := PushNodeSpec(client, want); err != nil {
		t.Fatal(err)
	}
	got, err := FetchNodeSpec(client, "/ns/talker")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestLaunchBuildsRunThenWaitStartsAndShutdownStops(t *testing.T) {
	f := &fakeMaster{params: map[string]string{}}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	dir := t.TempDir()
	fn := writeLaunchFile(t, dir, `<launch>
  <node pkg="demo" type="sh" name="talker"/>
</launch>`)

	t.Setenv("ROS_PACKAGE_PATH", dir)
	if err := os.MkdirAll(filepath.Join(dir, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "demo", "package.xml"), []byte("<package/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	shPath := filepath.Join(dir, "demo", "sh")
	if err := os.WriteFile(shPath, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	run, err := Launch(Options{
		Files:      []string{fn},
		MasterURI:  srv.URL,
		RunID:      "R",
		LogDir:     t.TempDir(),
		NumWorkers: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Plan.Nodes) != 1 {
		t.Fatalf("got %d nodes", len(run.Plan.Nodes))
	}

	done := make(chan struct{})
	go func() {
		run.Wait()
		close(done)
	}()
	run.Shutdown()
	<-done
}
