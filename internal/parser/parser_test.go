package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const catFacts = `meta {
  name: Get fact
  type: http
  seq: 2
  tags: [smoke, facts]
  timeout: 1500
}

get {
  url: {{baseUrl}}/fact
  body: none
  auth: bearer
}

params:query {
  max_length: 140
  ~debug: true
}

headers {
  Accept: application/json
  X-Trace: {{traceId}}
}

auth:bearer {
  token: {{token}}
}

vars:post-response {
  factLength: res.body.length
}

assert {
  res.status: eq 200
  res.body.fact: isString
  ~res.body.length: gt 10
}

script:post-response {
  bru.setVar("lastFact", res.body.fact);
}

tests {
  test("has fact", function() {
    expect(res.getStatus()).to.equal(200);
  });
}

settings {
  encodeUrl: true
}
`

func writeBru(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFullDescriptor(t *testing.T) {
	path := writeBru(t, "fact.bru", catFacts)
	d, err := ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Meta.Name != "Get fact" || d.Meta.Seq != 2 || d.Meta.TimeoutMS != 1500 {
		t.Fatalf("meta mismatch: %+v", d.Meta)
	}
	if !reflect.DeepEqual(d.Meta.Tags, []string{"smoke", "facts"}) {
		t.Fatalf("tags mismatch: %v", d.Meta.Tags)
	}
	if d.Request.Method != "GET" || d.Request.URL != "{{baseUrl}}/fact" {
		t.Fatalf("request mismatch: %s %s", d.Request.Method, d.Request.URL)
	}
	if len(d.Request.Query) != 2 || d.Request.Query[1].Enabled {
		t.Fatalf("query mismatch: %+v", d.Request.Query)
	}
	if d.Request.Headers[0].Name != "Accept" || d.Request.Headers[1].Value != "{{traceId}}" {
		t.Fatalf("headers out of order: %+v", d.Request.Headers)
	}
	auth, ok := d.Request.ActiveAuth()
	if !ok || auth.Mode != "bearer" {
		t.Fatalf("auth mismatch: %+v %v", auth, ok)
	}
	if _, ok := d.Request.ActiveBody(); ok {
		t.Fatalf("body mode none should select no body")
	}
	if len(d.Assertions) != 3 {
		t.Fatalf("assertions: %+v", d.Assertions)
	}
	if a := d.Assertions[0]; a.Left != "res.status" || a.Op != "eq" || a.Right != "200" || !a.Enabled {
		t.Fatalf("first assertion mismatch: %+v", a)
	}
	if a := d.Assertions[1]; a.Op != "isString" || a.Right != "" {
		t.Fatalf("unary assertion mismatch: %+v", a)
	}
	if d.Assertions[2].Enabled {
		t.Fatalf("disabled assertion parsed as enabled")
	}
	if !strings.Contains(d.Scripts.PostResponse, `bru.setVar("lastFact"`) {
		t.Fatalf("post-response script missing: %q", d.Scripts.PostResponse)
	}
	if !strings.HasPrefix(d.Tests, `test("has fact"`) || !strings.Contains(d.Tests, "\n  expect(") {
		t.Fatalf("tests block not dedented correctly: %q", d.Tests)
	}
	if len(d.Extensions) != 1 || d.Extensions[0].Tag != "settings" {
		t.Fatalf("unknown block not preserved: %+v", d.Extensions)
	}
	if !d.HasHooks() {
		t.Fatalf("expected hooks detected")
	}
}

func TestParseSingleLineRequestBlock(t *testing.T) {
	bru := `meta { name: Inline Case }

get { url: https://example.com/inline }
`
	d, err := ParseFile(context.Background(), writeBru(t, "inline.bru", bru))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Meta.Name != "Inline Case" {
		t.Fatalf("meta name mismatch: %q", d.Meta.Name)
	}
	if d.Request.URL != "https://example.com/inline" {
		t.Fatalf("url mismatch: %q", d.Request.URL)
	}
}

func TestParseMultiLineTags(t *testing.T) {
	bru := `meta {
  name: Tagged
  tags: [
    smoke
    regression
  ]
}

get {
  url: https://example.com
}
`
	d, err := Parse("tagged.bru", strings.NewReader(bru))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(d.Meta.Tags, []string{"smoke", "regression"}) {
		t.Fatalf("tags mismatch: %v", d.Meta.Tags)
	}
}

func TestParseFormAndJSONBodies(t *testing.T) {
	bru := `post {
  url: https://api.test/users
  body: json
}

body:json {
  {
    "name": "gopher"
  }
}

body:form-urlencoded {
  name: gopher
  ~age: 12
}
`
	d, err := Parse("create.bru", strings.NewReader(bru))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	body, ok := d.Request.ActiveBody()
	if !ok || body.Type != "json" {
		t.Fatalf("active body mismatch: %+v", body)
	}
	if body.Raw != "{\n  \"name\": \"gopher\"\n}" {
		t.Fatalf("json body mismatch: %q", body.Raw)
	}
	form := d.Request.Bodies[1]
	if form.Type != "form-urlencoded" || len(form.Fields) != 2 || form.Fields[1].Enabled {
		t.Fatalf("form body mismatch: %+v", form)
	}
	if d.Name() != "create" {
		t.Fatalf("name fallback mismatch: %s", d.Name())
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name  string
		bru   string
		field string
	}{
		{"missing verb", "meta {\n  name: x\n}\n", "request"},
		{"bad seq", "meta {\n  seq: one\n}\nget {\n  url: http://x\n}\n", "meta.seq"},
		{"unterminated", "get {\n  url: http://x\n", "get"},
		{"bad body entry", "post {\n  url: http://x\n}\nbody:form-urlencoded {\n  novalue\n}\n", "body:form-urlencoded"},
		{"missing url", "get {\n  body: none\n}\n", "get.url"},
		{"assert without op", "get {\n  url: http://x\n}\nassert {\n  res.status:\n}\n", "assert.res.status"},
		{"stray text", "hello\n", "line 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("bad.bru", strings.NewReader(tc.bru))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMalformedDescriptor) {
				t.Fatalf("expected ErrMalformedDescriptor, got %v", err)
			}
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Fatalf("expected *MalformedError, got %T", err)
			}
			if me.Field != tc.field || me.Path != "bad.bru" {
				t.Fatalf("field mismatch: got %q want %q", me.Field, tc.field)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	inputs := map[string]string{
		"full": catFacts,
		"form": `post {
  url: https://api.test/form
  body: form-urlencoded
  auth: inherit
  x-custom: kept
}

body:form-urlencoded {
  a: 1
  ~b: 2
}

vars:pre-request {
  id: 7
}

docs {
  # Form post

  Sends a form.
}

x-future [
  one,
  two
]
`,
		"minimal": "get {\n  url: http://localhost\n}\n",
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			first, err := Parse(name+".bru", strings.NewReader(input))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			out := Format(first)
			second, err := Parse(name+".bru", strings.NewReader(string(out)))
			if err != nil {
				t.Fatalf("reparse: %v\n%s", err, out)
			}
			if !reflect.DeepEqual(first, second) {
				t.Fatalf("round trip mismatch\nfirst:  %+v\nsecond: %+v\ntext:\n%s", first, second, out)
			}
			if again := Format(second); string(again) != string(out) {
				t.Fatalf("format not stable:\n%s\n---\n%s", out, again)
			}
		})
	}
}

func TestParseSettings(t *testing.T) {
	bru := `headers {
  X-Collection: yes
}

auth:bearer {
  token: {{token}}
}
`
	d, err := ParseSettings("collection.bru", strings.NewReader(bru))
	if err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	if v, ok := Lookup(d.Request.Headers, "x-collection"); !ok || v != "yes" {
		t.Fatalf("collection header mismatch: %q %v", v, ok)
	}
	if a, ok := d.Request.ActiveAuth(); !ok || a.Mode != "bearer" {
		t.Fatalf("collection auth mismatch: %+v", a)
	}
}

func TestBlockItems(t *testing.T) {
	blocks, err := ReadBlocks("env.bru", strings.NewReader("vars:secret [\n  token,\n  ~apiKey\n]\n"))
	if err != nil {
		t.Fatalf("read blocks: %v", err)
	}
	if len(blocks) != 1 || !blocks[0].List {
		t.Fatalf("expected one list block: %+v", blocks)
	}
	items := blocks[0].Items()
	if len(items) != 2 || items[0].Name != "token" || items[1].Enabled {
		t.Fatalf("items mismatch: %+v", items)
	}
}
