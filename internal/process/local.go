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
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/launchgraph/launchgraph/internal/envfile"
	"github.com/launchgraph/launchgraph/internal/pkgpath"
	"github.com/launchgraph/launchgraph/internal/plan"
	"github.com/launchgraph/launchgraph/internal/tags"
)

// LogWriter is the per-line sink a LocalHandle feeds; the
// orchestrator wires this to a file, the terminal, or both.
type LogWriter func(name, line string)

// LocalHandle is a forked child process, line-buffered, restartable
// by re-running the same argv with only the log-file argument
// recomputed (spec §4.7).
type LocalHandle struct {
	Spec       plan.ProcessSpec
	Locator    *pkgpath.Locator
	MasterURI  string
	LogDir     string
	ScreenMode bool
	LogSink    LogWriter

	mu        sync.Mutex
	name      string
	cmd       *exec.Cmd
	exited    chan struct{}
	exitDesc  string
	running   bool
}

// NewLocalHandle constructs a handle for spec, named initialName
// (the caller assigns "<resolved-name>-1" per spec §4.9).
func NewLocalHandle(spec plan.ProcessSpec, initialName string, locator *pkgpath.Locator, masterURI, logDir string, screen bool, sink LogWriter) *LocalHandle {
	return &LocalHandle{
		Spec:       spec,
		Locator:    locator,
		MasterURI:  masterURI,
		LogDir:     logDir,
		ScreenMode: screen,
		LogSink:    sink,
		name:       initialName,
	}
}

func (h *LocalHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *LocalHandle) Required() bool             { return h.Spec.Required }
func (h *LocalHandle) Respawn() bool               { return h.Spec.Respawn }
func (h *LocalHandle) RespawnDelaySeconds() float64 { return h.Spec.RespawnDelay }

func (h *LocalHandle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *LocalHandle) ExitDescription() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitDesc
}

// Start launches the process for the first time.
func (h *LocalHandle) Start() error {
	return h.launch()
}

// Restart relaunches under newName, recomputing only the name-derived
// arguments (__name:= and __log:=); every other argv entry is derived the same way as the
// first launch, which for a LocalHandle means re-running the exact
// same computation (spec §4.7: "every other piece of the command
// line is preserved verbatim").
func (h *LocalHandle) Restart(newName string) error {
	h.mu.Lock()
	h.name = newName
	h.mu.Unlock()
	return h.launch()
}

func (h *LocalHandle) launch() error {
	executable, err := h.Locator.FindExecutable(h.Spec.Package, h.Spec.Type)
	if err != nil {
		return fmt.Errorf("local process %s: %w", h.Name(), err)
	}

	argv := h.buildArgv(executable)
	env := h.buildEnv()
	cwd, err := h.resolveCWD(filepath.Dir(executable))
	if err != nil {
		return fmt.Errorf("local process %s: %w", h.Name(), err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = cwd
	setProcessGroup(cmd)

	logToFile := h.Spec.Output == tags.OutputLog && !h.ScreenMode
	var outFile, errFile *os.File
	var stdout, stderr *lineWriter
	if logToFile {
		stdoutPath, stderrPath := h.logPaths()
		var err error
		outFile, errFile, stdout, stderr, err = h.pipeToFile(cmd, stdoutPath, stderrPath)
		if err != nil {
			return err
		}
	} else {
		stdout, stderr = h.pipeToSink(cmd)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("local process %s: %w", h.Name(), err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.running = true
	h.exited = make(chan struct{})
	h.mu.Unlock()

	go h.awaitExit(cmd, stdout, stderr, outFile, errFile)
	return nil
}

// awaitExit blocks on cmd.Wait() and then releases everything launch
// opened for this run: os/exec never closes an arbitrary io.Writer
// handed to cmd.Stdout/cmd.Stderr, so the line-buffering pipe and the
// per-process log files would otherwise leak a goroutine and two file
// descriptors on every respawn.
func (h *LocalHandle) awaitExit(cmd *exec.Cmd, stdout, stderr *lineWriter, outFile, errFile *os.File) {
	err := cmd.Wait()
	stdout.Close()
	stderr.Close()
	if outFile != nil {
		outFile.Close()
	}
	if errFile != nil {
		errFile.Close()
	}
	h.mu.Lock()
	h.running = false
	if err != nil {
		h.exitDesc = err.Error()
	} else {
		h.exitDesc = "exited normally"
	}
	close(h.exited)
	h.mu.Unlock()
}

// Destroy signals the process group to terminate.
func (h *LocalHandle) Destroy() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd)
}

// Wait blocks until the process has exited.
func (h *LocalHandle) Wait() error {
	h.mu.Lock()
	ch := h.exited
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	<-ch
	return nil
}

// buildArgv implements spec §4.7's argv contract.
func (h *LocalHandle) buildArgv(executable string) []string {
	var argv []string
	if h.Spec.LaunchPrefix != "" {
		argv = append(argv, strings.Fields(h.Spec.LaunchPrefix)...)
	}
	argv = append(argv, executable)

	remapNames := make([]string, 0, len(h.Spec.Remap))
	for from := range h.Spec.Remap {
		remapNames = append(remapNames, from)
	}
	sort.Strings(remapNames)
	for _, from := range remapNames {
		argv = append(argv, fmt.Sprintf("%s:=%s", from, h.Spec.Remap[from]))
	}

	argv = append(argv, fmt.Sprintf("__name:=%s", baseName(h.Name())))
	if h.Spec.ArgsExtra != "" {
		argv = append(argv, strings.Fields(h.Spec.ArgsExtra)...)
	}
	if h.Spec.Output == tags.OutputLog && !h.ScreenMode {
		stdoutPath, _ := h.logPaths()
		argv = append(argv, fmt.Sprintf("__log:=%s", stdoutPath))
	}
	return argv
}

// baseName strips the "-<n>" restart counter spec §4.9 appends, since
// __name:= should carry the ROS graph name, not the launcher's
// internal bookkeeping suffix.
func baseName(name string) string {
	return BaseName(name)
}

func (h *LocalHandle) buildEnv() []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(h.Spec.Env)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "ROS_NAMESPACE=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, baseEnvFile()...)
	out = append(out, "ROS_MASTER_URI="+h.MasterURI)
	if ns := strings.TrimSuffix(h.Spec.Namespace, "/"); ns != "" {
		out = append(out, "ROS_NAMESPACE="+ns)
	}
	names := make([]string, 0, len(h.Spec.Env))
	for k := range h.Spec.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, k+"="+h.Spec.Env[k])
	}
	return out
}

// baseEnvFile loads NAME=VALUE pairs from an optional
// "<ROS_HOME>/environment" file, the shell-subset format envfile
// parses, letting a workspace pin extra variables for every local
// process without editing the launcher's own environment.
func baseEnvFile() []string {
	home := os.Getenv("ROS_HOME")
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		home = filepath.Join(h, ".ros")
	}
	f, err := os.Open(filepath.Join(home, "environment"))
	if err != nil {
		return nil
	}
	defer f.Close()
	env, err := envfile.Parse(f)
	if err != nil {
		return nil
	}
	return env
}

func (h *LocalHandle) resolveCWD(executableDir string) (string, error) {
	switch h.Spec.CWD {
	case tags.CWDNode:
		return executableDir, nil
	case tags.CWDCwd:
		return os.Getwd()
	case tags.CWDRosRoot:
		if v := os.Getenv("ROS_ROOT"); v != "" {
			return v, nil
		}
		return os.Getwd()
	default: // CWDRosHome
		if v := os.Getenv("ROS_HOME"); v != "" {
			return v, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return os.Getwd()
		}
		return filepath.Join(home, ".ros"), nil
	}
}

func (h *LocalHandle) logPaths() (stdout, stderr string) {
	safe := strings.ReplaceAll(strings.TrimPrefix(h.Name(), "/"), "/", "-")
	return filepath.Join(h.LogDir, safe+"-stdout.log"), filepath.Join(h.LogDir, safe+"-stderr.log")
}

func (h *LocalHandle) pipeToFile(cmd *exec.Cmd, stdoutPath, stderrPath string) (outFile, errFile *os.File, stdout, stderr *lineWriter, err error) {
	if err := os.MkdirAll(h.LogDir, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	outFile, err = os.Create(stdoutPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating %s: %w", stdoutPath, err)
	}
	errFile, err = os.Create(stderrPath)
	if err != nil {
		outFile.Close()
		return nil, nil, nil, nil, fmt.Errorf("creating %s: %w", stderrPath, err)
	}
	stdout = lineBuffered(outFile, h.Name(), h.LogSink)
	stderr = lineBuffered(errFile, h.Name(), h.LogSink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return outFile, errFile, stdout, stderr, nil
}

func (h *LocalHandle) pipeToSink(cmd *exec.Cmd) (stdout, stderr *lineWriter) {
	stdout = lineBuffered(os.Stdout, h.Name(), h.LogSink)
	stderr = lineBuffered(os.Stderr, h.Name(), h.LogSink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return stdout, stderr
}

// lineWriter splits writes on newlines and forwards each line to sink
// in addition to writing the raw bytes to dest (the file or the
// terminal), so the child's output is delivered line-by-line rather
// than waiting on a full stdio buffer (spec §4.7's line-buffering
// requirement). Close must be called once the owning *exec.Cmd exits;
// os/exec only closes files it creates itself, not the writer handed
// to cmd.Stdout/cmd.Stderr.
type lineWriter struct {
	io.Writer
	pw *io.PipeWriter
}

func lineBuffered(dest io.Writer, name string, sink LogWriter) *lineWriter {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 65536), 1<<20)
		for scanner.Scan() {
			if sink != nil {
				sink(name, scanner.Text())
			}
		}
	}()
	return &lineWriter{Writer: io.MultiWriter(dest, pw), pw: pw}
}

// Close closes the pipe's write end, which drives the scanning
// goroutine above to EOF and lets it exit. Safe to call on a nil
// *lineWriter so awaitExit doesn't need to special-case launch
// failures that never assigned one.
func (w *lineWriter) Close() error {
	if w == nil {
		return nil
	}
	return w.pw.Close()
}
