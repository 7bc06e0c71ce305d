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

package envfile

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"
)

// scenarios mirror Parse's two call sites: a workspace's
// <ROS_HOME>/environment file and a <machine env-loader=""> target.
// Each case is a txtar archive pairing the raw file with the
// NAME=VALUE pairs Parse should produce from it.
var scenarios = []struct {
	name    string
	archive string
}{
	{
		name: "ros_home_environment",
		archive: `-- .env --
# sourced by LocalHandle.buildEnv from <ROS_HOME>/environment
export ROS_MASTER_URI=http://localhost:11311
ROS_PACKAGE_PATH=/opt/ros/ws:/opt/ros/base
QUOTED="two words" # trailing comment is dropped
SINGLE='kept verbatim'

-- expected --
[ROS_MASTER_URI=http://localhost:11311 ROS_PACKAGE_PATH=/opt/ros/ws:/opt/ros/base QUOTED=two words SINGLE=kept verbatim]
`,
	},
	{
		name: "machine_env_loader",
		archive: `-- .env --
# sourced by RemoteHandle.remoteCommandLine from <machine env-loader="">
LD_LIBRARY_PATH=/opt/ros/ws/lib:\$LD_LIBRARY_PATH
PYTHONPATH=/opt/ros/ws/lib/python3/dist-packages

-- expected --
[LD_LIBRARY_PATH=/opt/ros/ws/lib:$LD_LIBRARY_PATH PYTHONPATH=/opt/ros/ws/lib/python3/dist-packages]
`,
	},
	{
		name: "blank_lines_and_bare_comments_are_skipped",
		archive: `-- .env --

# nothing to see here

FOO=bar

-- expected --
[FOO=bar]
`,
	},
}

func TestParse(t *testing.T) {
	for _, tc := range scenarios {
		t.Run(tc.name, func(t *testing.T) {
			archive := txtar.Parse([]byte(tc.archive))
			var envFile []byte
			var expected string
			for _, f := range archive.Files {
				switch f.Name {
				case ".env":
					envFile = f.Data
				case "expected":
					expected = string(f.Data)
				}
			}
			got, err := Parse(bytes.NewReader(envFile))
			if err != nil {
				t.Fatalf("parsing %s: %v", tc.name, err)
			}
			if gotStr, want := strings.TrimSpace(fmt.Sprint(got)), strings.TrimSpace(expected); gotStr != want {
				t.Fatalf("got %s, want %s", gotStr, want)
			}
		})
	}
}

func TestParseSkipsMalformedAssignment(t *testing.T) {
	got, err := Parse(strings.NewReader("this-has-no-equals-sign\nFOO=bar\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "FOO=bar" {
		t.Fatalf("got %v, want [FOO=bar]", got)
	}
}

func TestParseExportPrefixIsCaseInsensitive(t *testing.T) {
	got, err := Parse(strings.NewReader("EXPORT ROS_HOSTNAME=robot1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ROS_HOSTNAME=robot1" {
		t.Fatalf("got %v, want [ROS_HOSTNAME=robot1]", got)
	}
}
