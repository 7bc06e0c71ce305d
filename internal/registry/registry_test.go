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
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestDecoder(doc string) *xml.Decoder {
	return xml.NewDecoder(bytes.NewReader([]byte(doc)))
}

// advanceTo consumes tokens until it has opened the start element
// named name, leaving the decoder positioned right after it.
func advanceTo(t *testing.T, dec *xml.Decoder, name string) {
	t.Helper()
	for {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("advancing to <%s>: %v", name, err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == name {
			return
		}
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindDouble:
		return a.Double == b.Double
	case KindString:
		return a.Str == b.Str
	case KindBinary:
		return bytes.Equal(a.Binary, b.Binary)
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.Dict) != len(b.Dict) {
			return false
		}
		for k, v := range a.Dict {
			bv, ok := b.Dict[k]
			if !ok || !valuesEqual(v, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func TestEscapeXMLRoundTrip(t *testing.T) {
	s := `a & b < c > d " e ' f`
	got := unescapeXML(escapeXML(s))
	if got != s {
		t.Fatalf("got %q want %q", got, s)
	}
}

func TestValueEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Bool(true),
		Bool(false),
		Int(-42),
		Double(3.5),
		String(`<tag attr="v">&'`),
		List([]Value{Int(1), String("two"), Bool(true)}),
		Dict(map[string]Value{"a": Int(1), "b": String("x")}),
	}
	for _, v := range cases {
		encoded := v.encode()
		// wrap in a minimal document so decodeValueBody can parse it
		doc := "<root>" + encoded + "</root>"
		dec := newTestDecoder(doc)
		advanceTo(t, dec, "value")
		got, err := decodeValueBody(dec)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if !valuesEqual(v, got) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, v)
		}
	}
}

func TestClientCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "hasParam") {
			t.Fatalf("unexpected method in request: %s", body)
		}
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><array><data>
<value><int>1</int></value><value><string>ok</string></value><value><boolean>1</boolean></value>
</data></array></value></param></params></methodResponse>`)
	}))
	defer srv.Close()

	c := New(srv.URL, "/launchgraph")
	has, err := c.HasParam("/foo")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected true")
	}
}

func TestClientCallFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><fault><value><struct>
<member><name>faultCode</name><value><int>4</int></value></member>
<member><name>faultString</name><value><string>boom</string></value></member>
</struct></value></fault></methodResponse>`)
	}))
	defer srv.Close()

	c := New(srv.URL, "/launchgraph")
	_, err := c.GetParam("/foo")
	if err == nil {
		t.Fatal("expected fault error")
	}
	var f *Fault
	if !asFault(err, &f) {
		t.Fatalf("expected *Fault, got %T: %v", err, err)
	}
	if f.Code != 4 || f.Message != "boom" {
		t.Fatalf("got %+v", f)
	}
}

func TestClientCallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><array><data>
<value><int>-1</int></value><value><string>not found</string></value><value><int>0</int></value>
</data></array></value></param></params></methodResponse>`)
	}))
	defer srv.Close()

	c := New(srv.URL, "/launchgraph")
	_, err := c.GetParam("/missing")
	if err == nil {
		t.Fatal("expected error")
	}
}

func asFault(err error, out **Fault) bool {
	f, ok := err.(*Fault)
	if ok {
		*out = f
	}
	return ok
}
