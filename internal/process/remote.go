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
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	sshconfig "github.com/kevinburke/ssh_config"
	"github.com/launchgraph/launchgraph/internal/envfile"
	"github.com/launchgraph/launchgraph/internal/plan"
	"github.com/skeema/knownhosts"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
)

// RemoteHandle opens a secure-shell session to a <machine> and runs
// the launcher's helper binary there, streaming its output back
// (spec §4.8). It never supports Restart: a dead remote process must
// fail loudly, not silently relaunch over a possibly-stale session.
type RemoteHandle struct {
	Spec       plan.ProcessSpec
	Machine    *plan.MachineSpec
	MasterURI  string
	RunID      string
	LauncherBin string
	LogSink    LogWriter

	mu       sync.Mutex
	name     string
	client   *ssh.Client
	session  *ssh.Session
	running  bool
	exitDesc string
	exited   chan struct{}
}

// NewRemoteHandle constructs a handle bound to a canonicalized
// machine, named initialName.
func NewRemoteHandle(spec plan.ProcessSpec, machine *plan.MachineSpec, masterURI, runID, launcherBin string, initialName string, sink LogWriter) *RemoteHandle {
	return &RemoteHandle{
		Spec:        spec,
		Machine:     machine,
		MasterURI:   masterURI,
		RunID:       runID,
		LauncherBin: launcherBin,
		LogSink:     sink,
		name:        initialName,
	}
}

func (h *RemoteHandle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *RemoteHandle) Required() bool              { return h.Spec.Required }
func (h *RemoteHandle) Respawn() bool                { return false }
func (h *RemoteHandle) RespawnDelaySeconds() float64 { return 0 }

func (h *RemoteHandle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *RemoteHandle) ExitDescription() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitDesc
}

// Start opens the secure-shell session and begins the helper.
func (h *RemoteHandle) Start() error {
	client, err := dialMachine(h.Machine)
	if err != nil {
		return fmt.Errorf("remote process %s: %w", h.Name(), err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("remote process %s: opening session: %w", h.Name(), err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("remote process %s: %w", h.Name(), err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("remote process %s: %w", h.Name(), err)
	}

	cmdLine := h.remoteCommandLine()
	if err := session.Start(cmdLine); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("remote process %s: starting %q: %w", h.Name(), cmdLine, err)
	}

	h.mu.Lock()
	h.client = client
	h.session = session
	h.running = true
	h.exited = make(chan struct{})
	h.mu.Unlock()

	go h.drain(stdout)
	go h.drain(stderr)
	go h.awaitExit(session, client)
	return nil
}

// remoteCommandLine builds: <env-loader> <launcher-binary> -c
// <machine-tag> -u <master-uri> --run_id <R>, prefixed with an env
// assignment so the child inherits the right registry (spec §4.8
// steps 3-4).
func (h *RemoteHandle) remoteCommandLine() string {
	envAssignments := []string{fmt.Sprintf("ROS_MASTER_URI=%s", h.MasterURI)}
	loader := h.Machine.EnvLoader

	if vars, ok := loadEnvLoaderFile(loader); ok {
		envAssignments = append(envAssignments, vars...)
		loader = ""
	}

	var parts []string
	parts = append(parts, "env", strings.Join(envAssignments, " "))
	if loader != "" {
		parts = append(parts, loader)
	}
	parts = append(parts, h.LauncherBin,
		"-c", h.Spec.ResolvedName,
		"-u", h.MasterURI,
		"--run_id", h.RunID,
	)
	return strings.Join(parts, " ")
}

// loadEnvLoaderFile treats a <machine env-loader=""> value that
// names a readable local file as an envfile (spec §4.8's env-loader
// is normally a remote shell command, but a local path lets the
// launcher embed the variables directly in the remote command line
// instead of depending on that file also existing on the remote
// host).
func loadEnvLoaderFile(path string) ([]string, bool) {
	if path == "" {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	vars, err := envfile.Parse(f)
	if err != nil {
		return nil, false
	}
	return vars, true
}

func (h *RemoteHandle) drain(r io.Reader) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := indexByte(pending, '\n')
				if idx < 0 {
					break
				}
				if h.LogSink != nil {
					h.LogSink(h.Name(), string(pending[:idx]))
				}
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			if len(pending) > 0 && h.LogSink != nil {
				h.LogSink(h.Name(), string(pending))
			}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (h *RemoteHandle) awaitExit(session *ssh.Session, client *ssh.Client) {
	err := session.Wait()
	h.mu.Lock()
	h.running = false
	if err != nil {
		h.exitDesc = err.Error()
	} else {
		h.exitDesc = "exited normally"
	}
	close(h.exited)
	h.mu.Unlock()
	session.Close()
	client.Close()
}

// Restart always fails: remote processes do not support in-place
// restart (spec §4.8).
func (h *RemoteHandle) Restart(newName string) error {
	return fmt.Errorf("remote process %s: %w", h.Name(), ErrRestartUnsupported)
}

// Destroy sends SIGTERM to the remote command over the session.
func (h *RemoteHandle) Destroy() error {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Signal(ssh.SIGTERM)
}

func (h *RemoteHandle) Wait() error {
	h.mu.Lock()
	ch := h.exited
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	<-ch
	return nil
}

// dialMachine opens the secure-shell connection per spec §4.8 steps
// 1-2: resolve ~/.ssh/config aliases, verify the host key against
// known_hosts (honoring ROSLAUNCH_SSH_UNKNOWN=1 to skip that check),
// and authenticate with the configured password, an ssh-agent, or
// both.
func dialMachine(m *plan.MachineSpec) (*ssh.Client, error) {
	host, port := resolveSSHAlias(m.Address, m.SSHPort)
	username := m.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	hostKeyCallback, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}

	var auths []ssh.AuthMethod
	if m.Password != "" {
		auths = append(auths, ssh.Password(m.Password))
	}
	if agentConn, _, err := sshagent.New(); err == nil {
		if signers, err := agentConn.Signers(); err == nil && len(signers) > 0 {
			auths = append(auths, ssh.PublicKeys(signers...))
		}
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("no authentication method available for %s@%s", username, host)
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeoutOrDefault(m.Timeout),
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	return ssh.Dial("tcp", addr, config)
}

// resolveSSHAlias consults ~/.ssh/config for a Host alias matching
// addr, preferring its HostName/Port over the <machine> tag's
// literal values when present.
func resolveSSHAlias(addr string, port int) (string, int) {
	cfg, err := sshconfig.DecodeBytes(readUserSSHConfig())
	if err != nil || cfg == nil {
		return addr, port
	}
	// Look up Port against the alias itself: ssh_config Host patterns
	// match the alias, not the HostName it resolves to.
	if portStr := cfg.Get(addr, "Port"); portStr != "" {
		fmt.Sscanf(portStr, "%d", &port)
	}
	if hostname := cfg.Get(addr, "HostName"); hostname != "" {
		addr = hostname
	}
	return addr, port
}

func readUserSSHConfig() []byte {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	b, err := os.ReadFile(home + "/.ssh/config")
	if err != nil {
		return nil
	}
	return b
}

// hostKeyCallback verifies against the system and user known_hosts
// databases, per spec §4.8 step 2. Setting ROSLAUNCH_SSH_UNKNOWN=1
// disables verification for hosts missing from either file,
// preserving the "connect manually first" onboarding flow.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	paths := []string{"/etc/ssh/ssh_known_hosts"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home+"/.ssh/known_hosts")
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		if os.Getenv("ROSLAUNCH_SSH_UNKNOWN") == "1" {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, fmt.Errorf("no known_hosts database found; connect to the host manually first, or set ROSLAUNCH_SSH_UNKNOWN=1")
	}
	khDB, err := knownhosts.New(existing...)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	if os.Getenv("ROSLAUNCH_SSH_UNKNOWN") == "1" {
		return ssh.HostKeyCallback(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := khDB(hostname, remote, key)
			if err != nil && knownhosts.IsHostUnknown(err) {
				return nil
			}
			return err
		}), nil
	}
	return khDB, nil
}

func timeoutOrDefault(seconds float64) time.Duration {
	if seconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}
