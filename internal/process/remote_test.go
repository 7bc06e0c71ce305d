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

package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/launchgraph/launchgraph/internal/plan"
)

func TestRemoteCommandLine(t *testing.T) {
	h := &RemoteHandle{
		Spec:        plan.ProcessSpec{ResolvedName: "/ns/talker"},
		Machine:     &plan.MachineSpec{EnvLoader: "/opt/ros/setup.sh"},
		MasterURI:   "http://localhost:11311/",
		RunID:       "abc-123",
		LauncherBin: "launchgraph-helper",
	}
	got := h.remoteCommandLine()
	want := "env ROS_MASTER_URI=http://localhost:11311/ /opt/ros/setup.sh launchgraph-helper -c /ns/talker -u http://localhost:11311/ --run_id abc-123"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRemoteCommandLineNoEnvLoader(t *testing.T) {
	h := &RemoteHandle{
		Spec:        plan.ProcessSpec{ResolvedName: "/talker"},
		Machine:     &plan.MachineSpec{},
		MasterURI:   "http://host:11311/",
		RunID:       "r1",
		LauncherBin: "helper",
	}
	got := h.remoteCommandLine()
	want := "env ROS_MASTER_URI=http://host:11311/ helper -c /talker -u http://host:11311/ --run_id r1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRemoteCommandLineEnvLoaderFile(t *testing.T) {
	dir := t.TempDir()
	loader := filepath.Join(dir, "setup.env")
	if err := os.WriteFile(loader, []byte("ROS_PACKAGE_PATH=/opt/ws\nFOO=bar\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &RemoteHandle{
		Spec:        plan.ProcessSpec{ResolvedName: "/talker"},
		Machine:     &plan.MachineSpec{EnvLoader: loader},
		MasterURI:   "http://host:11311/",
		RunID:       "r1",
		LauncherBin: "helper",
	}
	got := h.remoteCommandLine()
	want := "env ROS_MASTER_URI=http://host:11311/ ROS_PACKAGE_PATH=/opt/ws FOO=bar helper -c /talker -u http://host:11311/ --run_id r1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRemoteHandleRespawnDisabled(t *testing.T) {
	h := &RemoteHandle{}
	if h.Respawn() {
		t.Fatal("remote handles must never report respawn support")
	}
	if h.RespawnDelaySeconds() != 0 {
		t.Fatal("remote handles have no respawn delay")
	}
}

func TestRemoteHandleRestartFails(t *testing.T) {
	h := &RemoteHandle{name: "talker-1"}
	if err := h.Restart("talker-2"); err == nil {
		t.Fatal("expected restart to fail for remote handles")
	}
}

func TestIndexByte(t *testing.T) {
	if idx := indexByte([]byte("abc\ndef"), '\n'); idx != 3 {
		t.Fatalf("got %d", idx)
	}
	if idx := indexByte([]byte("noeol"), '\n'); idx != -1 {
		t.Fatalf("got %d", idx)
	}
}

func TestResolveSSHAliasNoConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	host, port := resolveSSHAlias("example.org", 22)
	if host != "example.org" || port != 22 {
		t.Fatalf("got %q %d", host, port)
	}
}

func TestResolveSSHAliasUsesAliasForPortLookup(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".ssh"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "Host myrobot\n  HostName 10.0.0.5\n  Port 2222\n"
	if err := os.WriteFile(filepath.Join(dir, ".ssh", "config"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", dir)

	host, port := resolveSSHAlias("myrobot", 22)
	if host != "10.0.0.5" || port != 2222 {
		t.Fatalf("got %q %d, want \"10.0.0.5\" 2222", host, port)
	}
}

func TestTimeoutOrDefault(t *testing.T) {
	if got := timeoutOrDefault(0); got != 10*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := timeoutOrDefault(2.5); got != 2500*time.Millisecond {
		t.Fatalf("got %v", got)
	}
}
