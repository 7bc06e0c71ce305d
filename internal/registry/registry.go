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

package registry

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Client talks the parameter-server wire protocol to one registry
// URI: HTTP POST, XML-RPC-like envelopes, a three-element response
// tuple of {status code, status message, return value} (spec §4.5).
type Client struct {
	URI        string
	CallerID   string
	HTTPClient *http.Client
}

// New returns a Client bound to uri, using callerID as the first
// argument of every call that requires one.
func New(uri, callerID string) *Client {
	return &Client{
		URI:        uri,
		CallerID:   callerID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fault is returned when the registry replies with a <fault> element
// or a non-1 status code.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	if f.Code == 0 {
		return fmt.Sprintf("registry fault: %s", f.Message)
	}
	return fmt.Sprintf("registry error %d: %s", f.Code, f.Message)
}

// call issues one methodCall and returns the method-specific return
// value (the response tuple's third element) once the status code
// checks out.
func (c *Client) call(method string, args ...Value) (Value, error) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	body.WriteString(method)
	body.WriteString(`</methodName><params>`)
	for _, a := range args {
		body.WriteString("<param>")
		body.WriteString(a.encode())
		body.WriteString("</param>")
	}
	body.WriteString(`</params></methodCall>`)

	req, err := http.NewRequest(http.MethodPost, c.URI, &body)
	if err != nil {
		return Value{}, fmt.Errorf("registry %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Value{}, fmt.Errorf("registry %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Value{}, fmt.Errorf("registry %s: reading response: %w", method, err)
	}

	tuple, err := decodeResponse(raw)
	if err != nil {
		if f, ok := err.(*Fault); ok {
			return Value{}, f
		}
		return Value{}, fmt.Errorf("registry %s: %w", method, err)
	}
	if len(tuple) != 3 {
		return Value{}, fmt.Errorf("registry %s: expected a 3-element response tuple, got %d", method, len(tuple))
	}
	code := int(tuple[0].Int)
	msg := tuple[1].Str
	if code != 1 {
		return Value{}, &Fault{Code: code, Message: msg}
	}
	return tuple[2], nil
}

// GetSystemState calls getSystemState, used both to probe master
// reachability and to read the run-time topology.
func (c *Client) GetSystemState() (Value, error) {
	return c.call("getSystemState", String(c.CallerID))
}

// GetParam reads the parameter at name.
func (c *Client) GetParam(name string) (Value, error) {
	return c.call("getParam", String(c.CallerID), String(name))
}

// HasParam reports whether name exists.
func (c *Client) HasParam(name string) (bool, error) {
	v, err := c.call("hasParam", String(c.CallerID), String(name))
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}

// SetParam writes value at name.
func (c *Client) SetParam(name string, value Value) error {
	_, err := c.call("setParam", String(c.CallerID), String(name), value)
	return err
}

// DeleteParam removes name (and, for a namespace, its subtree).
func (c *Client) DeleteParam(name string) error {
	_, err := c.call("deleteParam", String(c.CallerID), String(name))
	return err
}

// ClearParam empties the subtree rooted at name: an empty struct set
// at the target, per spec §4.5.
func (c *Client) ClearParam(name string) error {
	return c.SetParam(name, Dict(map[string]Value{}))
}

// SetYAMLParam sets value at ns: if it decodes to a mapping, each
// leaf is set individually at its joined namespace; otherwise a
// single setParam call is made.
func (c *Client) SetYAMLParam(ns string, value Value) error {
	if value.Kind != KindDict {
		return c.SetParam(ns, value)
	}
	for name, child := range value.Dict {
		joined := ns
		if joined == "" || joined == "/" {
			joined = "/" + name
		} else {
			joined = strings.TrimRight(joined, "/") + "/" + name
		}
		if err := c.SetYAMLParam(joined, child); err != nil {
			return err
		}
	}
	return nil
}

// decodeResponse parses a <methodResponse> body and returns the
// single <param>'s <value> decoded as a List (the three-element
// response tuple).
func decodeResponse(raw []byte) ([]Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("malformed response: no <methodResponse>")
		}
		if err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "fault":
			v, err := decodeValueIn(dec, "fault")
			if err != nil {
				return nil, err
			}
			if v.Kind == KindDict {
				code := 0
				if cv, ok := v.Dict["faultCode"]; ok {
					code = int(cv.Int)
				}
				msg := ""
				if mv, ok := v.Dict["faultString"]; ok {
					msg = mv.Str
				}
				return nil, &Fault{Code: code, Message: msg}
			}
			return nil, &Fault{Message: "fault response"}
		case "params":
			v, err := decodeParams(dec)
			if err != nil {
				return nil, err
			}
			if v.Kind != KindList {
				return nil, fmt.Errorf("expected an array return value")
			}
			return v.List, nil
		}
	}
}

// decodeParams reads the single <param><value>…</value></param>
// inside <params> and returns its decoded Value, which must itself
// be an <array> to satisfy the three-element tuple contract.
func decodeParams(dec *xml.Decoder) (Value, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "param" {
				v, err := decodeValueIn(dec, "param")
				if err != nil {
					return Value{}, err
				}
				return v, nil
			}
		case xml.EndElement:
			if t.Name.Local == "params" {
				return Value{}, fmt.Errorf("<params> contained no <param>")
			}
		}
	}
}

// decodeValueIn finds the <value> child of the current element
// (named by closeName, which it reads up to) and decodes it.
func decodeValueIn(dec *xml.Decoder, closeName string) (Value, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "value" {
				v, err := decodeValueBody(dec)
				if err != nil {
					return Value{}, err
				}
				if err := skipToEnd(dec, closeName); err != nil {
					return Value{}, err
				}
				return v, nil
			}
		case xml.EndElement:
			if t.Name.Local == closeName {
				return Value{}, fmt.Errorf("<%s> contained no <value>", closeName)
			}
		}
	}
}

// decodeValueBody decodes the content of an already-opened <value>
// element: the first nested tag selects the type; a bare string with
// no nested tag is the XML-RPC default ("string" implied).
func decodeValueBody(dec *xml.Decoder) (Value, error) {
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			switch t.Name.Local {
			case "boolean":
				s, err := readBody(dec, "boolean")
				if err != nil {
					return Value{}, err
				}
				return Bool(strings.TrimSpace(s) == "1"), nil
			case "int", "i4":
				s, err := readBody(dec, t.Name.Local)
				if err != nil {
					return Value{}, err
				}
				n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if err != nil {
					return Value{}, fmt.Errorf("invalid int %q: %w", s, err)
				}
				return Int(n), nil
			case "double":
				s, err := readBody(dec, "double")
				if err != nil {
					return Value{}, err
				}
				d, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return Value{}, fmt.Errorf("invalid double %q: %w", s, err)
				}
				return Double(d), nil
			case "string":
				s, err := readBody(dec, "string")
				if err != nil {
					return Value{}, err
				}
				return String(s), nil
			case "base64":
				s, err := readBody(dec, "base64")
				if err != nil {
					return Value{}, err
				}
				b, err := decodeBase64(strings.TrimSpace(s))
				if err != nil {
					return Value{}, err
				}
				return Binary(b), nil
			case "array":
				items, err := decodeArray(dec)
				if err != nil {
					return Value{}, err
				}
				if err := skipToEnd(dec, "value"); err != nil {
					return Value{}, err
				}
				return List(items), nil
			case "struct":
				m, err := decodeStruct(dec)
				if err != nil {
					return Value{}, err
				}
				if err := skipToEnd(dec, "value"); err != nil {
					return Value{}, err
				}
				return Dict(m), nil
			default:
				if err := skipToEnd(dec, t.Name.Local); err != nil {
					return Value{}, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "value" {
				return String(strings.TrimSpace(text.String())), nil
			}
		}
	}
}

func decodeArray(dec *xml.Decoder) ([]Value, error) {
	var out []Value
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "data" {
				items, err := decodeData(dec)
				if err != nil {
					return nil, err
				}
				out = items
			}
		case xml.EndElement:
			if t.Name.Local == "array" {
				return out, nil
			}
		}
	}
}

func decodeData(dec *xml.Decoder) ([]Value, error) {
	var out []Value
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "value" {
				v, err := decodeValueBody(dec)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		case xml.EndElement:
			if t.Name.Local == "data" {
				return out, nil
			}
		}
	}
}

func decodeStruct(dec *xml.Decoder) (map[string]Value, error) {
	out := map[string]Value{}
	var name string
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				s, err := readBody(dec, "name")
				if err != nil {
					return nil, err
				}
				name = s
			case "value":
				v, err := decodeValueBody(dec)
				if err != nil {
					return nil, err
				}
				out[name] = v
			}
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return out, nil
			}
		}
	}
}

func readBody(dec *xml.Decoder, name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == name {
				return sb.String(), nil
			}
		}
	}
}

func skipToEnd(dec *xml.Decoder, name string) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == name {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == name {
				depth--
			}
		}
	}
	return nil
}
