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

// Package pkgpath resolves package names to directories by walking
// ROS_PACKAGE_PATH, the way $(find pkg) does.
package pkgpath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Locator walks a colon-separated search path looking for a directory
// named after the package that carries a package.xml manifest.
type Locator struct {
	SearchPath []string
}

// NewFromEnv builds a Locator from the ROS_PACKAGE_PATH environment
// variable.
func NewFromEnv() *Locator {
	raw := os.Getenv("ROS_PACKAGE_PATH")
	var paths []string
	for _, p := range strings.Split(raw, string(os.PathListSeparator)) {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return &Locator{SearchPath: paths}
}

// Find returns the absolute path of the first directory named pkg
// that contains a package.xml manifest, searching each search-path
// root depth-first in lexical order (filepath.Walk). Sub-directories below a directory that already
// carries a manifest are never descended into, matching spec §4.1.
func (l *Locator) Find(pkg string) (string, error) {
	for _, root := range l.SearchPath {
		found, err := findInRoot(root, pkg)
		if err != nil {
			continue
		}
		if found != "" {
			return found, nil
		}
	}
	return "", fmt.Errorf("pkgpath: package %q not found in ROS_PACKAGE_PATH", pkg)
}

// FindExecutable locates the executable named typ inside pkg's
// directory tree, the way `rosrun pkg typ` resolves its target: the
// first regular, executable file with that base name wins.
func (l *Locator) FindExecutable(pkg, typ string) (string, error) {
	dir, err := l.Find(pkg)
	if err != nil {
		return "", err
	}
	var result string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, unreadable entries are skipped
		}
		if result != "" {
			return filepath.SkipAll
		}
		if info.IsDir() || info.Name() != typ {
			return nil
		}
		if info.Mode()&0o111 == 0 {
			return nil
		}
		result = path
		return filepath.SkipAll
	})
	if err != nil {
		return "", err
	}
	if result == "" {
		return "", fmt.Errorf("pkgpath: executable %q not found in package %q", typ, pkg)
	}
	return result, nil
}

func findInRoot(root, pkg string) (string, error) {
	var result string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, unreadable entries are skipped
		}
		if result != "" {
			return filepath.SkipDir
		}
		if !info.IsDir() {
			return nil
		}
		manifest := filepath.Join(path, "package.xml")
		if _, err := os.Stat(manifest); err != nil {
			return nil
		}
		// This directory has a manifest: never descend further, and
		// only claim it if its name matches pkg.
		if filepath.Base(path) == pkg {
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			result = abs
		}
		return filepath.SkipDir
	})
	return result, err
}
