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

// Package envfile parses the shell-subset environment files fed to a
// workspace's <ROS_HOME>/environment file (LocalHandle.buildEnv) and
// to a <machine env-loader=""> target (RemoteHandle.remoteCommandLine).
package envfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Parse reads NAME=VALUE assignments, one per line, and returns them
// ready to append to a child's environment slice. Blank lines and '#'
// comments are skipped; a value may be single- or double-quoted, with
// backslash escapes honored both inside and outside quotes, enough to
// express the kind of ad hoc setup files a workspace's install step
// produces without pulling in a full shell.
func Parse(r io.Reader) ([]string, error) {
	var pairs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := splitAssignment(line)
		if !ok {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// splitAssignment parses a single "[export ]NAME=VALUE[ # comment]"
// line. ok is false for lines with no '=' or whose key contains a
// stray '#'.
func splitAssignment(line string) (name, value string, ok bool) {
	lr := bufio.NewReader(strings.NewReader(line))
	key, err := lr.ReadString('=')
	if err != nil {
		return "", "", false
	}
	key = key[:len(key)-1]
	if strings.Contains(key, "#") {
		return "", "", false
	}
	if strings.HasPrefix(strings.ToLower(key), "export ") {
		key = key[len("export "):]
	}
	return strings.TrimSpace(key), strings.TrimSpace(readValue(lr)), true
}

// readValue consumes the remainder of an assignment, unquoting it and
// stopping at an unquoted '#' that opens a trailing comment.
func readValue(lr *bufio.Reader) string {
	var (
		value         strings.Builder
		isEscaped     bool
		inSingleQuote bool
		inDoubleQuote bool
	)
	for {
		c, err := lr.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		switch {
		case c == '#' && !inSingleQuote && !inDoubleQuote:
			return value.String()
		case c == '\\' && !isEscaped:
			isEscaped = true
			continue
		case c == '\'' && !inDoubleQuote && !isEscaped:
			inSingleQuote = !inSingleQuote
			continue
		case c == '"' && !inSingleQuote && !isEscaped:
			inDoubleQuote = !inDoubleQuote
			continue
		}
		isEscaped = false
		value.WriteByte(c)
	}
	return value.String()
}
