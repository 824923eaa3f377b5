package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/pslog"
)

const factDescriptor = `meta {
  name: Get fact
  type: http
  seq: 1
}

get {
  url: {{baseUrl}}/fact
  body: none
  auth: none
}

assert {
  res.status: eq 200
  res.body.length: gt 0
}
`

// writeCollection lays out a collection with a "test" environment holding
// envVars and the given descriptor files.
func writeCollection(t *testing.T, envVars string, files map[string]string) collection.Collection {
	t.Helper()
	dir := t.TempDir()
	if _, ok := files["bruno.json"]; !ok {
		files["bruno.json"] = `{"version":"1","name":"cat-facts","type":"collection"}`
	}
	if err := os.MkdirAll(filepath.Join(dir, "environments"), 0o755); err != nil {
		t.Fatal(err)
	}
	if envVars != "" {
		files["environments/test.bru"] = "vars {\n" + envVars + "}\n"
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c, err := collection.Load(dir)
	if err != nil {
		t.Fatalf("load collection: %v", err)
	}
	return c
}

func newTestRunner(t *testing.T, opts ...Option) Runner {
	t.Helper()
	opts = append([]Option{WithLogger(pslog.New(io.Discard)), WithProcessEnv(env.MapEnv{})}, opts...)
	r, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return r
}

func factServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"fact":"Cats sleep 70% of their lives.","length":33}`))
	}))
}

// pathRecorder answers 200 with a JSON body and remembers request paths in order.
type pathRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (p *pathRecorder) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.paths = append(p.paths, r.URL.Path)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (p *pathRecorder) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.paths)
}

func TestRunCollectionPasses(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": factDescriptor})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 1 || rep.Total != 1 || rep.Status != report.StatusPassed {
		t.Fatalf("expected 1 passed, got %+v", rep)
	}
	if rep.Environment != "test" || rep.Collection != "cat-facts" {
		t.Fatalf("unexpected labels %q/%q", rep.Collection, rep.Environment)
	}
	if rep.ExitCode() != 0 {
		t.Fatalf("exit code %d", rep.ExitCode())
	}
	res := rep.Results[0]
	if res.Response == nil || res.Response.Status != 200 || len(res.Assertions) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunCollectionAssertionFailure(t *testing.T) {
	srv := factServer(http.StatusInternalServerError)
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": factDescriptor})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Failed != 1 || rep.Status != report.StatusFailed || rep.ExitCode() != 1 {
		t.Fatalf("expected 1 failure, got %+v", rep)
	}
	if got := rep.Results[0].FailureMessage(); got != "expected 200, got 500" {
		t.Fatalf("unexpected failure message %q", got)
	}
}

func TestRunCollectionNetworkErrorContinues(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	offline := strings.Replace(factDescriptor, "{{baseUrl}}", "http://127.0.0.1:1", 1)
	offline = strings.Replace(offline, "name: Get fact", "name: Offline", 1)
	second := strings.Replace(factDescriptor, "seq: 1", "seq: 2", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"a.bru": offline, "b.bru": second})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Errored != 1 || rep.Passed != 1 {
		t.Fatalf("expected 1 errored and 1 passed, got %+v", rep)
	}
	first := rep.Results[0]
	if first.Error == nil || first.Error.Code != report.CodeNetworkError {
		t.Fatalf("expected NETWORK_ERROR, got %+v", first.Error)
	}
}

func TestRunCollectionTimeoutContinues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/fact", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"length":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	slow := strings.Replace(factDescriptor, "/fact", "/slow", 1)
	slow = strings.Replace(slow, "name: Get fact", "name: Slow", 1)
	second := strings.Replace(factDescriptor, "seq: 1", "seq: 2", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"a.bru": slow, "b.bru": second})

	start := time.Now()
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("timeout not applied, run took %s", elapsed)
	}
	if len(rep.Results) != 2 {
		t.Fatalf("expected both descriptors to run, got %+v", rep.Results)
	}
	if first := rep.Results[0]; first.Error == nil || first.Error.Code != report.CodeNetworkError {
		t.Fatalf("expected NETWORK_ERROR for the slow call, got %+v", first)
	}
	if rep.Results[1].Outcome != report.OutcomePassed {
		t.Fatalf("descriptor after the timeout should pass, got %+v", rep.Results[1])
	}
}

func TestRunCollectionOrderAndNextRequest(t *testing.T) {
	rec := &pathRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	desc := func(name, seq, path, script string) string {
		out := "meta {\n  name: " + name + "\n  seq: " + seq + "\n}\n\nget {\n  url: {{baseUrl}}" + path + "\n}\n"
		if script != "" {
			out += "\nscript:post-response {\n  " + script + "\n}\n"
		}
		return out
	}
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"z.bru":        desc("First", "1", "/first", `bru.setNextRequest("Third");`),
		"a.bru":        desc("Second", "2", "/second", ""),
		"nested/m.bru": desc("Third", "3", "/third", ""),
	})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rec.list(); !slices.Equal(got, []string{"/first", "/third"}) {
		t.Fatalf("unexpected request order %v", got)
	}
	if rep.Total != 2 || rep.Passed != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunCollectionChainsRuntimeVariables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"t-123"}`))
		case "/me":
			if r.Header.Get("Authorization") != "Bearer t-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"login.bru": `meta {
  name: Login
  seq: 1
}

post {
  url: {{baseUrl}}/login
}

vars:post-response {
  token: res.body.token
}
`,
		"me.bru": `meta {
  name: Me
  seq: 2
}

get {
  url: {{baseUrl}}/me
}

headers {
  Authorization: Bearer {{token}}
}

assert {
  res.status: eq 200
}
`,
	})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 2 {
		t.Fatalf("expected chained requests to pass: %+v", rep.Results)
	}
}

func TestRunCollectionUnresolvedURLVariable(t *testing.T) {
	c := writeCollection(t, "  other: x\n", map[string]string{"fact.bru": factDescriptor})
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := rep.Results[0]
	if res.Outcome != report.OutcomeError || res.Error == nil || res.Error.Code != report.CodeUnresolvedVariable {
		t.Fatalf("expected UNRESOLVED_VARIABLE, got %+v", res)
	}
	if !strings.Contains(res.Error.Message, "baseUrl") {
		t.Fatalf("message should name the variable: %q", res.Error.Message)
	}
}

func TestRunCollectionSetupProblems(t *testing.T) {
	c := writeCollection(t, "  a: {{b}}\n  b: {{a}}\n", map[string]string{"fact.bru": factDescriptor})
	r := newTestRunner(t)

	rep, err := r.RunCollection(context.Background(), c, RunOptions{Environment: "staging"})
	var p *report.Problem
	if !errors.As(err, &p) || p.Code != report.CodeUnknownEnvironment {
		t.Fatalf("expected UNKNOWN_ENVIRONMENT, got %v", err)
	}
	if rep.Status != report.StatusError || rep.ExitCode() != 2 || len(rep.Results) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	rep, err = r.RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if !errors.As(err, &p) || p.Code != report.CodeCyclicVariableReference {
		t.Fatalf("expected CYCLIC_VARIABLE_REFERENCE, got %v", err)
	}
	if rep.ExitCode() != 2 {
		t.Fatalf("exit code %d", rep.ExitCode())
	}
}

func TestRunCollectionCyclicOverrideIsFatal(t *testing.T) {
	c := writeCollection(t, "  baseUrl: http://127.0.0.1:1\n", map[string]string{"fact.bru": factDescriptor})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{
		Environment: "test",
		Vars:        map[string]string{"loop": "{{loop}}"},
	})
	var p *report.Problem
	if !errors.As(err, &p) || p.Code != report.CodeCyclicVariableReference {
		t.Fatalf("expected CYCLIC_VARIABLE_REFERENCE, got %v", err)
	}
	if rep.Status != report.StatusError || rep.ExitCode() != 2 || len(rep.Results) != 0 {
		t.Fatalf("expected setup error report, got %+v", rep)
	}
	if len(rep.Problems) != 1 || rep.Problems[0].Code != report.CodeCyclicVariableReference {
		t.Fatalf("expected report-level problem, got %+v", rep.Problems)
	}
}

func TestRunCollectionMalformedDescriptorSortsLast(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"a-broken.bru": "get {\n}\n",
		"fact.bru":     factDescriptor,
	})
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Results) != 2 || rep.Passed != 1 || rep.Errored != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	last := rep.Results[1]
	if last.Error == nil || last.Error.Code != report.CodeMalformedDescriptor {
		t.Fatalf("expected malformed descriptor last, got %+v", last)
	}
}

func TestRunCollectionTagsAndBail(t *testing.T) {
	srv := factServer(http.StatusInternalServerError)
	defer srv.Close()
	smoke := strings.Replace(factDescriptor, "seq: 1", "seq: 1\n  tags: [smoke]", 1)
	slow := strings.Replace(factDescriptor, "seq: 1", "seq: 2\n  tags: [slow]", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"a.bru": smoke, "b.bru": slow})
	r := newTestRunner(t)

	rep, err := r.RunCollection(context.Background(), c, RunOptions{Environment: "test", Tags: []string{"smoke"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Total != 1 || rep.Results[0].Path != filepath.Join(c.Dir, "a.bru") {
		t.Fatalf("tag filter not applied: %+v", rep.Results)
	}

	rep, err = r.RunCollection(context.Background(), c, RunOptions{Environment: "test", Bail: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Failed != 1 || rep.Skipped != 1 {
		t.Fatalf("expected bail to skip the rest, got %+v", rep)
	}
}

func TestRunCollectionCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	second := strings.Replace(factDescriptor, "seq: 1", "seq: 2", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"a.bru": factDescriptor, "b.bru": second})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	rep, err := newTestRunner(t).RunCollection(ctx, c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != report.StatusCancelled || rep.Skipped != 2 {
		t.Fatalf("expected cancelled report, got %+v", rep)
	}
	for _, res := range rep.Results {
		if res.Error == nil || res.Error.Code != report.CodeCancelled {
			t.Fatalf("expected CANCELLED, got %+v", res)
		}
	}
}

func TestRunCollectionParallel(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"length":1}`))
	}))
	defer srv.Close()
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d"} {
		files[name+".bru"] = strings.Replace(factDescriptor, "name: Get fact", "name: "+name, 1)
	}
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", files)

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", Parallel: true, Concurrency: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 4 {
		t.Fatalf("expected 4 passed, got %+v", rep)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("concurrency limit exceeded: %d", p)
	}
	for i, name := range []string{"a", "b", "c", "d"} {
		if rep.Results[i].Name != name {
			t.Fatalf("results out of order: %v", rep.Results)
		}
	}
}

func TestRunCollectionParallelDisabledByHooks(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	withTests := factDescriptor + `
tests {
  test("ok", function() { expect(res.status).to.equal(200); });
}
`
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": withTests})
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", Parallel: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.ContainsFunc(rep.Warnings, func(w report.Warning) bool { return w.Code == report.WarnParallelOff }) {
		t.Fatalf("expected PARALLEL_DISABLED warning, got %+v", rep.Warnings)
	}
	if rep.Passed != 1 || len(rep.Results[0].Assertions) != 3 {
		t.Fatalf("unexpected result %+v", rep.Results[0])
	}
}

func TestRunCollectionScripts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/alice" || r.Header.Get("X-Trace") != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"alice","roles":["admin","dev"]}`))
	}))
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n  trace: abc\n", map[string]string{"user.bru": `meta {
  name: User
  seq: 1
}

get {
  url: {{baseUrl}}/users/{{user}}
}

script:pre-request {
  req.setHeader("X-Trace", bru.getEnvVar("trace"));
  bru.setVar("user", "alice");
}

script:post-response {
  console.log("got", res.getStatus());
  bru.setVar("seen", res.body.name);
}

tests {
  test("status", function() {
    expect(res.status).to.equal(200);
    expect(res.body.roles).to.include("admin");
    expect(bru.getVar("seen")).to.equal("alice");
  });
  test("wrong", function() {
    expect(res.body.name).to.equal("bob");
  });
}
`})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := rep.Results[0]
	if res.Outcome != report.OutcomeFailed || len(res.Assertions) != 2 {
		t.Fatalf("expected one passing and one failing test, got %+v", res)
	}
	if !res.Assertions[0].Passed || res.Assertions[1].Passed {
		t.Fatalf("unexpected test outcomes %+v", res.Assertions)
	}
	if !strings.Contains(res.Assertions[1].Message, `"bob"`) {
		t.Fatalf("unexpected failure message %q", res.Assertions[1].Message)
	}
	if !slices.Contains(res.Console, "got 200") {
		t.Fatalf("console not captured: %v", res.Console)
	}
}

func TestRunCollectionPreRequestVariablesDoNotLeak(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path+"|"+r.Header.Get("X-Leak"))
		mu.Unlock()
	}))
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"a.bru": `meta {
  name: First
  seq: 1
}

get {
  url: {{baseUrl}}/first
}

script:pre-request {
  bru.setVar("leak", "x");
  bru.setEnvVar("baseUrl", "http://127.0.0.1:1");
}
`,
		"b.bru": `meta {
  name: Second
  seq: 2
}

get {
  url: {{baseUrl}}/second
}

headers {
  X-Leak: {{leak}}
}
`,
	})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	first, second := rep.Results[0], rep.Results[1]
	if first.Outcome != report.OutcomeError || first.Error.Code != report.CodeNetworkError {
		t.Fatalf("pre-request setEnvVar should apply to its own request, got %+v", first)
	}
	if second.Outcome != report.OutcomePassed {
		t.Fatalf("second descriptor should reach the original baseUrl, got %+v", second)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, []string{"/second|"}) {
		t.Fatalf("pre-request variables leaked into later descriptors: %v", seen)
	}
}

func TestRunCollectionScriptTimeout(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	looping := factDescriptor + `
script:pre-request {
  while (true) {}
}
`
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": looping})
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", ScriptTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := rep.Results[0]
	if res.Error == nil || res.Error.Code != report.CodeScriptError || !strings.Contains(res.Error.Message, "timed out") {
		t.Fatalf("expected script timeout, got %+v", res.Error)
	}
}

func TestRunCollectionProcessEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k1" || r.Header.Get("X-Dot") != "from-dotenv" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()
	desc := factDescriptor + `
headers {
  X-Api-Key: {{process.env.API_KEY}}
  X-Dot: {{process.env.DOT}}
  X-Missing: {{process.env.NOPE}}
}
`
	desc = strings.Replace(desc, "  res.body.length: gt 0\n", "", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": desc, ".env": "DOT=from-dotenv\nAPI_KEY=overridden\n"})

	r := newTestRunner(t, WithProcessEnv(env.MapEnv{"API_KEY": "k1"}))
	rep, err := r.RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// .env wins over the process environment
	if rep.Passed != 0 {
		t.Fatalf("expected .env API_KEY to take precedence, got %+v", rep.Results[0])
	}
	if !slices.ContainsFunc(rep.Warnings, func(w report.Warning) bool { return w.Code == report.WarnMissingEnvVar }) {
		t.Fatalf("expected MISSING_ENV_VAR warning, got %+v", rep.Warnings)
	}

	if err := os.WriteFile(c.DotEnv, []byte("DOT=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err = r.RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 1 {
		t.Fatalf("expected pass, got %+v", rep.Results[0])
	}
}

func TestRunCollectionGoHooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-From-Pre") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"length":1}`))
	}))
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": factDescriptor})

	var post report.RunResult
	r := newTestRunner(t,
		WithPreRequestHook(func(ctx context.Context, info HookInfo, req *http.Request, logger pslog.Base) error {
			if info.Name != "Get fact" || info.Method != http.MethodGet || info.Environment != "test" {
				t.Errorf("unexpected hook info %+v", info)
			}
			req.Header.Set("X-From-Pre", "1")
			return nil
		}),
		WithPostRequestHook(func(ctx context.Context, info HookInfo, res report.RunResult, logger pslog.Base) error {
			post = res
			return nil
		}),
	)
	rep, err := r.RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 1 || post.Outcome != report.OutcomePassed {
		t.Fatalf("hooks not applied: rep=%+v post=%+v", rep, post)
	}

	r = newTestRunner(t, WithPreRequestHook(func(context.Context, HookInfo, *http.Request, pslog.Base) error {
		return errors.New("denied")
	}))
	rep, _ = r.RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if res := rep.Results[0]; res.Error == nil || res.Error.Code != report.CodeHookError {
		t.Fatalf("expected HOOK_ERROR, got %+v", res)
	}
}

func TestRunCollectionExternalHooks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	srv := factServer(http.StatusOK)
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"fact.bru": factDescriptor})
	r := newTestRunner(t)

	rep, err := r.RunCollection(context.Background(), c, RunOptions{
		Environment: "test",
		PreHookCmd:  []string{"sh", "-c", `[ "$BRUCI_NAME" = "Get fact" ] && [ "$BRUCI_HOOK_PHASE" = "pre" ]`},
		PostHookCmd: []string{"sh", "-c", `[ "$BRUCI_STATUS" = "200" ] && [ "$BRUCI_OUTCOME" = "passed" ]`},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 1 {
		t.Fatalf("expected hooks to succeed, got %+v", rep.Results[0])
	}

	rep, _ = r.RunCollection(context.Background(), c, RunOptions{Environment: "test", PostHookCmd: []string{"sh", "-c", "exit 3"}})
	if res := rep.Results[0]; res.Error == nil || res.Error.Code != report.CodeHookError {
		t.Fatalf("expected HOOK_ERROR, got %+v", res)
	}
}

func TestRunCollectionCSVIterations(t *testing.T) {
	rec := &pathRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"item.bru": `meta {
  name: Item
  seq: 1
}

get {
  url: {{baseUrl}}/items/{{id}}
}
`})
	csvPath := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(csvPath, []byte("id\n1\n2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", CSVFilePath: csvPath})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Total != 2 || rep.Results[1].Iteration != 1 {
		t.Fatalf("expected two iterations, got %+v", rep.Results)
	}
	if got := rec.list(); !slices.Equal(got, []string{"/items/1", "/items/2"}) {
		t.Fatalf("unexpected paths %v", got)
	}
}

func TestRunCollectionOAuth2ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/fact", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"length":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	inherit := strings.Replace(factDescriptor, "auth: none", "auth: inherit", 1)
	second := strings.Replace(inherit, "seq: 1", "seq: 2", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"a.bru": inherit,
		"b.bru": second,
		"collection.bru": `auth:oauth2 {
  grant_type: client_credentials
  access_token_url: {{baseUrl}}/token
  client_id: id
  client_secret: secret
  scope: read
}
`,
	})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passed != 2 {
		t.Fatalf("expected oauth2 requests to pass, got %+v", rep.Results)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token should be cached for the run, fetched %d times", n)
	}
}

func TestRunCollectionOAuth2TokenTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Second):
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/fact", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"length":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"fact.bru": strings.Replace(factDescriptor, "auth: none", "auth: inherit", 1),
		"collection.bru": `auth:oauth2 {
  grant_type: client_credentials
  access_token_url: {{baseUrl}}/token
  client_id: id
  client_secret: secret
}
`,
	})

	start := time.Now()
	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("token fetch was not bounded by the request timeout: %s", elapsed)
	}
	res := rep.Results[0]
	if res.Outcome != report.OutcomeError || res.Error.Code != report.CodeNetworkError {
		t.Fatalf("expected NETWORK_ERROR from the token timeout, got %+v", res)
	}
}

func TestRunCollectionContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fact":1,"length":1}`))
	}))
	defer srv.Close()
	other := strings.Replace(factDescriptor, "/fact", "/other", 1)
	other = strings.Replace(other, "seq: 1", "seq: 2", 1)
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{
		"bruno.json": `{"version":"1","name":"cat-facts","type":"collection","openapi":"openapi.yaml"}`,
		"openapi.yaml": `openapi: 3.0.3
info:
  title: Cat facts
  version: "1.0"
paths:
  /fact:
    get:
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: object
                required: [fact]
                properties:
                  fact:
                    type: string
`,
		"fact.bru":  factDescriptor,
		"other.bru": other,
	})

	rep, err := newTestRunner(t).RunCollection(context.Background(), c, RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	fact, uncovered := rep.Results[0], rep.Results[1]
	if fact.Outcome != report.OutcomeFailed || !strings.Contains(fact.FailureMessage(), report.CodeContractViolation) {
		t.Fatalf("expected contract violation, got %+v", fact)
	}
	if uncovered.Outcome != report.OutcomePassed || len(uncovered.Assertions) != 2 {
		t.Fatalf("paths outside the document must not be checked: %+v", uncovered)
	}
}

func TestRunFile(t *testing.T) {
	srv := factServer(http.StatusOK)
	defer srv.Close()
	c := writeCollection(t, "  baseUrl: "+srv.URL+"\n", map[string]string{"folder/fact.bru": factDescriptor})

	res, err := newTestRunner(t).RunFile(context.Background(), filepath.Join(c.Dir, "folder", "fact.bru"), RunOptions{Environment: "test"})
	if err != nil {
		t.Fatalf("run file: %v", err)
	}
	if res.Outcome != report.OutcomePassed || res.Name != "Get fact" {
		t.Fatalf("unexpected result %+v", res)
	}
}
