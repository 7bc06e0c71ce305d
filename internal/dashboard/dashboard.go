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

// Package dashboard serves the optional status page for a running
// launch (spec §11): one HTML page that opens a server-sent-events
// connection and streams every node's log lines, plus a /discovery
// JSON endpoint listing every node's current state, grounded on the
// teacher's service-discovery web server.
package dashboard

import (
	"context"
	"encoding/json"
	"html/template"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	terminal "github.com/buildkite/terminal-to-html/v3"
)

// LogLine is one line of a node's interleaved stdout/stderr, broadcast
// to every subscriber of the /logs stream.
type LogLine struct {
	Name string `json:"name"`
	Line string `json:"line"`
}

// NodeState is the status snapshot a dashboard client sees at
// /discovery: every node's name and whether it is currently running.
type NodeState struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// StateFunc returns the current status of every supervised node, read
// live on each /discovery request.
type StateFunc func() []NodeState

// Dashboard is the optional HTTP+SSE status endpoint (spec §11). It is
// only constructed when the CLI is given a dashboard address and is
// not running as a remote --child.
type Dashboard struct {
	State StateFunc

	mu          sync.Mutex
	subscribers []chan LogLine
}

// New builds a Dashboard whose /discovery endpoint calls state.
func New(state StateFunc) *Dashboard {
	return &Dashboard{State: state}
}

// Publish fans a log line out to every connected /logs subscriber,
// dropping it for any subscriber whose buffer is full rather than
// blocking the process that produced it.
func (d *Dashboard) Publish(name, line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subscribers {
		select {
		case sub <- LogLine{Name: name, Line: line}:
		default:
		}
	}
}

func (d *Dashboard) subscribe() chan LogLine {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan LogLine, 4096)
	d.subscribers = append(d.subscribers, ch)
	return ch
}

func (d *Dashboard) unsubscribe(ch chan LogLine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subscribers {
		if sub == ch {
			d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// Serve binds addr and runs the dashboard's HTTP server until ctx is
// canceled. It returns the resolved listen address so callers who
// asked for ":0" can discover the real port.
func (d *Dashboard) Serve(ctx context.Context, addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/discovery", d.handleDiscovery)
	mux.HandleFunc("/logs", d.handleLogs)

	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	go func() {
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Println("dashboard server failed:", err)
		}
	}()
	return l.Addr().String(), nil
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, req *http.Request) {
	sseURL := url.URL{Scheme: "http", Host: req.Host, Path: "/logs"}
	query := sseURL.Query()
	query.Set("mode", "html")
	filter := req.URL.Query().Get("filter")
	if filter != "" {
		query.Set("filter", filter)
	}
	sseURL.RawQuery = query.Encode()
	dashboardPage.Execute(w, struct {
		URL    string
		Filter string
	}{sseURL.String(), filter})
}

func (d *Dashboard) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(d.State()); err != nil {
		log.Println("dashboard: encoding node state:", err)
	}
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("filter")
	mode := req.URL.Query().Get("mode")
	stream := d.subscribe()
	defer d.unsubscribe(stream)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case msg := <-stream:
			if filter != "" && !strings.Contains(msg.Name, filter) && !strings.Contains(msg.Line, filter) {
				continue
			}
			if mode == "html" {
				msg.Line = string(terminal.Render([]byte(msg.Line)))
			}
			b, err := json.Marshal(msg)
			if err != nil {
				log.Println("dashboard: encode:", err)
				return
			}
			if _, err := w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-req.Context().Done():
			return
		}
	}
}

var dashboardPage = template.Must(template.New("").Parse(`<html>
<head>
<style>
* { margin: 0; padding: 0; }
#controlBar {
	background: white;
	border-bottom: #c0c0c0 1pt solid;
	color: black;
	padding: 5px;
	position: fixed;
	top: 0;
	width: 100%;
}
#output {
	font-family: monospace;
	margin-top: 40px;
	padding-left: 5px;
	white-space: pre;
}
</style>
</head>
<body>
<div id="controlBar">
	<form>
		<label><input type="checkbox" id="autoScroll" checked> automatic scroll</label>
		|
		<label>filter <input type="text" id="filter" value="{{.Filter}}"></label>
	</form>
</div>
<div id="output"></div>
<script>
var print = function(message) {
	var d = document.createElement("div");
	d.innerHTML = message;
	document.getElementById("output").appendChild(d);
	if (document.getElementById("autoScroll").checked) {
		window.scrollTo(0, document.body.scrollHeight);
	}
};
var es = new EventSource("{{.URL}}");
es.onmessage = function(evt) {
	var msg = JSON.parse(evt.data);
	print(msg.name + ": " + msg.line);
};
es.onerror = function() {
	print("dashboard stream disconnected");
};
</script>
</body>
</html>`))
