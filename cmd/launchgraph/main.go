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

// Command launchgraph brings up a tree of launch files: it compiles
// the XML graph, assembles a plan, bootstraps a parameter registry,
// starts every node locally or over a secure shell, and supervises
// them until shutdown or a required process dies.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/launchgraph/launchgraph/internal/dashboard"
	"github.com/launchgraph/launchgraph/internal/orchestrator"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("launchgraph: ")

	app := &cli.App{
		Name:  "launchgraph",
		Usage: "compile and supervise a launch-file graph",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "files", Usage: "print the launch files given on the command line, then exit (included files are not listed)"},
			&cli.StringFlag{Name: "args", Usage: "print the resolved args of the named node, then exit"},
			&cli.BoolFlag{Name: "nodes", Usage: "print the resolved name of every node, then exit"},
			&cli.StringFlag{Name: "find-node", Usage: "print the launch file declaring the named node, then exit"},
			&cli.StringFlag{Name: "child", Aliases: []string{"c"}, Usage: "run as a remote child for the named process"},
			&cli.BoolFlag{Name: "local", Usage: "treat every <machine> binding as the local machine"},
			&cli.BoolFlag{Name: "screen", Usage: "force terminal output regardless of each node's output policy"},
			&cli.StringFlag{Name: "server_uri", Aliases: []string{"u"}, Usage: "registry URI (overrides ROS_MASTER_URI)"},
			&cli.StringFlag{Name: "run_id", Usage: "run identifier to reconcile against the registry"},
			&cli.BoolFlag{Name: "wait", Usage: "only checked for exclusivity with --core; a registry core is still started when none answers"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 11311, Usage: "registry port when starting a core"},
			&cli.BoolFlag{Name: "core", Usage: "start only a registry core, no launch files"},
			&cli.StringFlag{Name: "pid", Usage: "write the launcher's PID to this path"},
			&cli.BoolFlag{Name: "v", Usage: "verbose output"},
			&cli.BoolFlag{Name: "dump-params", Usage: "print the assembled parameter set as JSON, then exit"},
			&cli.BoolFlag{Name: "skip-log-check", Usage: "skip the free-disk-space check before logging"},
			&cli.BoolFlag{Name: "ros-args", Usage: "print the args of every node, then exit"},
			&cli.BoolFlag{Name: "disable-title", Usage: "do not set the terminal title"},
			&cli.IntFlag{Name: "numworkers", Aliases: []string{"w"}, Value: 3, Usage: "worker threads for a started core"},
			&cli.Float64Flag{Name: "timeout", Aliases: []string{"t"}, Usage: "registry connection timeout in seconds (not applied; the wait for a started core uses a fixed 10-second limit)"},
			&cli.StringFlag{Name: "dashboard-addr", Usage: "bind the optional status dashboard to this address (disabled by default)"},
		},
		Action: runAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "launchgraph:", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	files, bindings, err := splitPositionals(c.Args().Slice())
	if err != nil {
		return err
	}

	if err := checkCrossConstraints(c, files); err != nil {
		return err
	}

	masterURI := c.String("server_uri")
	if masterURI == "" {
		masterURI = os.Getenv("ROS_MASTER_URI")
	}
	if masterURI == "" {
		masterURI = fmt.Sprintf("http://localhost:%d/", c.Int("port"))
	}

	opts := orchestrator.Options{
		Files:          files,
		Args:           bindings,
		MasterURI:      masterURI,
		RunID:          c.String("run_id"),
		CoreBinary:     os.Getenv("LAUNCHGRAPH_CORE_BINARY"),
		Port:           c.Int("port"),
		NumWorkers:     c.Int("numworkers"),
		Local:          c.Bool("local"),
		Screen:         c.Bool("screen"),
		LauncherBinary: os.Args[0],
		Logger:         log.Default(),
	}
	if opts.RunID == "" {
		opts.RunID = orchestrator.NewRunID(time.Now())
	}

	if childName := c.String("child"); childName != "" {
		return orchestrator.RunChild(opts, childName)
	}

	if addr := c.String("dashboard-addr"); addr != "" {
		opts.DashboardAddr = addr
		opts.Dashboard = dashboard.New(nil)
	}

	switch {
	case c.Bool("files"):
		return printFiles(opts)
	case c.Bool("nodes"):
		return printNodes(opts)
	case c.String("find-node") != "":
		return printFindNode(opts, c.String("find-node"))
	case c.String("args") != "":
		return printNodeArgs(opts, c.String("args"), false)
	case c.Bool("ros-args"):
		return printNodeArgs(opts, "", true)
	case c.Bool("dump-params"):
		return printDumpParams(opts)
	}

	if pidPath := c.String("pid"); pidPath != "" {
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(pidPath)
	}

	run, err := orchestrator.Launch(opts)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		run.Shutdown()
	}()

	run.Wait()
	return nil
}

// splitPositionals separates launch-file paths from name:=value
// bindings, per spec §6's positional-argument contract. Bindings
// whose name begins with "__" are dropped here and are not passed on.
func splitPositionals(args []string) (files []string, bindings map[string]string, err error) {
	bindings = map[string]string{}
	for _, a := range args {
		if name, value, ok := strings.Cut(a, ":="); ok {
			if strings.HasPrefix(name, "__") {
				continue
			}
			bindings[name] = value
			continue
		}
		files = append(files, a)
	}
	return files, bindings, nil
}

func checkCrossConstraints(c *cli.Context, files []string) error {
	modes := 0
	for _, name := range []string{"nodes", "find-node", "args", "ros-args", "dump-params"} {
		if c.IsSet(name) {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("--nodes, --find-node, --args, --ros-args, and --dump-params are pairwise exclusive")
	}
	if c.Bool("wait") && c.Bool("core") {
		return errors.New("--wait and --core are exclusive")
	}
	if c.String("child") != "" {
		if c.String("server_uri") == "" || c.String("run_id") == "" {
			return errors.New("--child requires --server_uri and --run_id")
		}
		if c.IsSet("port") || len(files) > 0 {
			return errors.New("--child forbids --port and launch-file arguments")
		}
	}
	if c.Bool("core") {
		if len(files) > 0 {
			return errors.New("--core forbids launch files")
		}
		if c.String("run_id") != "" {
			return errors.New("--core forbids --run_id")
		}
	}
	if modes > 0 && len(files) == 0 {
		return errors.New("an info mode was requested with no launch files to inspect")
	}
	return nil
}

func printFiles(opts orchestrator.Options) error {
	for _, f := range opts.Files {
		fmt.Println(f)
	}
	return nil
}

func printNodes(opts orchestrator.Options) error {
	p, err := orchestrator.Compile(opts)
	if err != nil {
		return err
	}
	for _, n := range p.Nodes {
		fmt.Println(n.ResolvedName)
	}
	return nil
}

func printFindNode(opts orchestrator.Options, name string) error {
	p, err := orchestrator.Compile(opts)
	if err != nil {
		return err
	}
	for _, n := range p.Nodes {
		if n.ResolvedName == name {
			fmt.Println(n.File)
			return nil
		}
	}
	return fmt.Errorf("no node named %q", name)
}

func printNodeArgs(opts orchestrator.Options, name string, all bool) error {
	p, err := orchestrator.Compile(opts)
	if err != nil {
		return err
	}
	for _, n := range p.Nodes {
		if all || n.ResolvedName == name {
			fmt.Printf("%s: %s\n", n.ResolvedName, n.ArgsExtra)
		}
	}
	return nil
}

func printDumpParams(opts orchestrator.Options) error {
	p, err := orchestrator.Compile(opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"Params": p.Params, "RosParams": p.RosParams})
}
