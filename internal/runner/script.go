package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/parser"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/pslog"
)

const defaultScriptTimeout = 5 * time.Second

var errScriptTimeout = errors.New("script timed out")

// control carries flow changes requested by scripts.
type control struct {
	skip    bool
	stop    bool
	hasNext bool
	next    string
}

// draftRequest is the unresolved request a pre-request script can rewrite.
type draftRequest struct {
	method   string
	url      string
	headers  []parser.Pair
	query    []parser.Pair
	body     parser.Body
	hasBody  bool
	timeout  time.Duration
	authMode string
}

func (d *draftRequest) header(name string) (string, bool) {
	return parser.Lookup(d.headers, name)
}

func (d *draftRequest) setHeader(name, value string) {
	for i, h := range d.headers {
		if strings.EqualFold(h.Name, name) {
			d.headers[i].Value = value
			return
		}
	}
	d.headers = append(d.headers, parser.Pair{Name: name, Value: value, Enabled: true})
}

func (d *draftRequest) deleteHeader(name string) {
	out := d.headers[:0]
	for _, h := range d.headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	d.headers = out
}

// sandbox is one goja runtime exposing the restricted bru/req/res surface.
// Scripts reach variables only through the run scope; the OS environment is
// read through the injected ProcessEnv and never written.
type sandbox struct {
	vm     *goja.Runtime
	scope  *env.Scope
	ctl    *control
	logs   *[]string
	logger pslog.Base
	phase  string
	tests  []jsTest
}

type jsTest struct {
	name string
	fn   goja.Callable
}

func newSandbox(scope *env.Scope, it iteration, ctl *control, logs *[]string, logger pslog.Base, phase string) *sandbox {
	s := &sandbox{vm: goja.New(), scope: scope, ctl: ctl, logs: logs, logger: logger, phase: phase}
	s.registerConsole()
	s.registerProcess()
	s.registerBru(it)
	_ = s.vm.Set("expect", s.expect)
	_ = s.vm.Set("test", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(s.vm.NewGoError(errors.New("test(name, fn) requires a function")))
		}
		s.tests = append(s.tests, jsTest{name: call.Argument(0).String(), fn: fn})
		return goja.Undefined()
	})
	return s
}

// guard runs fn with the script deadline and ctx cancellation wired to
// vm.Interrupt.
func (s *sandbox) guard(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	timer := time.AfterFunc(timeout, func() { s.vm.Interrupt(errScriptTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
	defer stop()
	defer s.vm.ClearInterrupt()
	return fn()
}

func (s *sandbox) run(ctx context.Context, code string, timeout time.Duration) error {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	return s.guard(ctx, timeout, func() error {
		_, err := s.vm.RunString(code)
		if err != nil {
			return fmt.Errorf("%s script: %s", s.phase, s.errorText(err))
		}
		return nil
	})
}

// runTests evaluates the tests block and every test() it registered.
func (s *sandbox) runTests(ctx context.Context, code string, timeout time.Duration) ([]report.AssertionOutcome, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	var outcomes []report.AssertionOutcome
	err := s.guard(ctx, timeout, func() error {
		if _, err := s.vm.RunString(code); err != nil {
			return fmt.Errorf("tests: %s", s.errorText(err))
		}
		for _, t := range s.tests {
			_, err := t.fn(goja.Undefined())
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return fmt.Errorf("test %q: %s", t.name, s.errorText(err))
			}
			o := report.AssertionOutcome{Name: t.name, Passed: err == nil}
			if err != nil {
				o.Message = s.errorText(err)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	return outcomes, err
}

func (s *sandbox) errorText(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(error); ok {
			return e.Error()
		}
		return fmt.Sprint(interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return msg.String()
			}
		}
		return ex.Value().String()
	}
	return err.Error()
}

func (s *sandbox) registerConsole() {
	console := s.vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			if obj, ok := arg.(*goja.Object); ok && obj.ClassName() != "Function" {
				if b, err := json.Marshal(obj.Export()); err == nil {
					parts[i] = string(b)
					continue
				}
			}
			parts[i] = arg.String()
		}
		line := strings.Join(parts, " ")
		*s.logs = append(*s.logs, line)
		if s.logger != nil {
			s.logger.Debug("script console", "phase", s.phase, "line", line)
		}
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, logFn)
	}
	_ = s.vm.Set("console", console)
}

// processEnv is a read-only view over the injected ProcessEnv.
type processEnv struct {
	vm    *goja.Runtime
	scope *env.Scope
}

func (p processEnv) Get(key string) goja.Value {
	if v, ok := p.scope.LookupProcessEnv(key); ok {
		return p.vm.ToValue(v)
	}
	return goja.Undefined()
}
func (p processEnv) Set(string, goja.Value) bool { return false }
func (p processEnv) Has(key string) bool {
	_, ok := p.scope.LookupProcessEnv(key)
	return ok
}
func (p processEnv) Delete(string) bool { return false }
func (p processEnv) Keys() []string     { return nil }

func (s *sandbox) registerProcess() {
	proc := s.vm.NewObject()
	_ = proc.Set("env", s.vm.NewDynamicObject(processEnv{vm: s.vm, scope: s.scope}))
	_ = s.vm.Set("process", proc)
}

func (s *sandbox) registerBru(it iteration) {
	vm := s.vm
	bru := vm.NewObject()
	str := func(v goja.Value) string {
		if obj, ok := v.(*goja.Object); ok && obj.ClassName() != "Function" {
			if b, err := json.Marshal(obj.Export()); err == nil {
				return string(b)
			}
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return ""
		}
		return v.String()
	}
	stored := func(v string, ok bool) goja.Value {
		if !ok {
			return goja.Undefined()
		}
		if t := strings.TrimSpace(v); strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
			if jsVal, err := toJSValue(vm, json.RawMessage(t)); err == nil {
				return jsVal
			}
		}
		return vm.ToValue(v)
	}

	_ = bru.Set("getVar", func(call goja.FunctionCall) goja.Value {
		return stored(s.scope.Get(call.Argument(0).String()))
	})
	_ = bru.Set("hasVar", func(call goja.FunctionCall) goja.Value {
		_, ok := s.scope.Get(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	// pre-request writes stay request-local
	requestLocal := s.phase == "pre-request"
	_ = bru.Set("setVar", func(call goja.FunctionCall) goja.Value {
		if requestLocal {
			s.scope.Set(call.Argument(0).String(), str(call.Argument(1)))
			return goja.Undefined()
		}
		s.scope.Root().Set(call.Argument(0).String(), str(call.Argument(1)))
		return goja.Undefined()
	})
	_ = bru.Set("getEnvVar", func(call goja.FunctionCall) goja.Value {
		return stored(s.scope.GetEnv(call.Argument(0).String()))
	})
	_ = bru.Set("setEnvVar", func(call goja.FunctionCall) goja.Value {
		if requestLocal {
			s.scope.Set(call.Argument(0).String(), str(call.Argument(1)))
			return goja.Undefined()
		}
		s.scope.SetEnv(call.Argument(0).String(), str(call.Argument(1)))
		return goja.Undefined()
	})
	_ = bru.Set("getProcessEnv", func(call goja.FunctionCall) goja.Value {
		return stored(s.scope.LookupProcessEnv(call.Argument(0).String()))
	})
	_ = bru.Set("getEnvName", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(s.scope.EnvironmentName())
	})
	_ = bru.Set("interpolate", func(call goja.FunctionCall) goja.Value {
		out, err := s.scope.Expand(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(out)
	})
	setNext := func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsNull(arg) || goja.IsUndefined(arg) {
			s.ctl.stop = true
			return goja.Undefined()
		}
		s.ctl.hasNext = true
		s.ctl.next = arg.String()
		return goja.Undefined()
	}
	_ = bru.Set("setNextRequest", setNext)

	runner := vm.NewObject()
	_ = runner.Set("setNextRequest", setNext)
	_ = runner.Set("skipRequest", func(goja.FunctionCall) goja.Value {
		if s.phase == "pre-request" {
			s.ctl.skip = true
		}
		return goja.Undefined()
	})
	_ = runner.Set("stopExecution", func(goja.FunctionCall) goja.Value {
		s.ctl.stop = true
		return goja.Undefined()
	})
	_ = runner.Set("iterationIndex", it.index)
	_ = runner.Set("totalIterations", max(it.total, 1))
	_ = runner.Set("iterationData", s.iterationData(it))
	_ = bru.Set("runner", runner)
	_ = vm.Set("bru", bru)
}

func (s *sandbox) iterationData(it iteration) *goja.Object {
	vm := s.vm
	data := it.data
	if data == nil {
		data = map[string]any{}
	}
	obj := vm.NewObject()
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := data[call.Argument(0).String()]
		return vm.ToValue(ok)
	})
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		val, ok := data[call.Argument(0).String()]
		if !ok {
			return goja.Undefined()
		}
		if jsVal, err := toJSValue(vm, val); err == nil {
			return jsVal
		}
		return vm.ToValue(val)
	})
	_ = obj.Set("getAll", func(goja.FunctionCall) goja.Value {
		if jsVal, err := toJSValue(vm, data); err == nil {
			return jsVal
		}
		return vm.ToValue(data)
	})
	_ = obj.Set("stringify", func(goja.FunctionCall) goja.Value {
		b, _ := json.Marshal(data)
		return vm.ToValue(string(b))
	})
	return obj
}

// bindDraft exposes the pre-request draft as `req`.
func (s *sandbox) bindDraft(d *draftRequest) {
	vm := s.vm
	req := vm.NewObject()
	accessor := func(name string, get func() string, set func(string)) {
		_ = req.DefineAccessorProperty(name,
			vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) }),
			vm.ToValue(func(call goja.FunctionCall) goja.Value { set(call.Argument(0).String()); return goja.Undefined() }),
			goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
	accessor("url", func() string { return d.url }, func(v string) { d.url = v })
	accessor("method", func() string { return d.method }, func(v string) { d.method = strings.ToUpper(v) })

	_ = req.Set("getUrl", func(goja.FunctionCall) goja.Value { return vm.ToValue(d.url) })
	_ = req.Set("setUrl", func(call goja.FunctionCall) goja.Value {
		d.url = call.Argument(0).String()
		return goja.Undefined()
	})
	_ = req.Set("getMethod", func(goja.FunctionCall) goja.Value { return vm.ToValue(d.method) })
	_ = req.Set("setMethod", func(call goja.FunctionCall) goja.Value {
		d.method = strings.ToUpper(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = req.Set("getHeader", func(call goja.FunctionCall) goja.Value {
		if v, ok := d.header(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = req.Set("getHeaders", func(goja.FunctionCall) goja.Value {
		out := map[string]any{}
		for _, h := range d.headers {
			out[h.Name] = h.Value
		}
		return vm.ToValue(out)
	})
	_ = req.Set("setHeader", func(call goja.FunctionCall) goja.Value {
		d.setHeader(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = req.Set("deleteHeader", func(call goja.FunctionCall) goja.Value {
		d.deleteHeader(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = req.Set("getBody", func(goja.FunctionCall) goja.Value {
		if !d.hasBody {
			return goja.Undefined()
		}
		if d.body.Type == "json" {
			var v any
			if err := json.Unmarshal([]byte(d.body.Raw), &v); err == nil {
				if jsVal, err := toJSValue(vm, v); err == nil {
					return jsVal
				}
			}
		}
		return vm.ToValue(d.body.Raw)
	})
	_ = req.Set("setBody", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if obj, ok := arg.(*goja.Object); ok {
			b, err := json.Marshal(obj.Export())
			if err != nil {
				panic(vm.NewGoError(err))
			}
			d.body = parser.Body{Type: "json", Raw: string(b)}
		} else {
			bType := d.body.Type
			if bType == "" || d.body.Fields != nil {
				bType = "text"
			}
			d.body = parser.Body{Type: bType, Raw: arg.String()}
		}
		d.hasBody = true
		return goja.Undefined()
	})
	_ = req.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		d.timeout = time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		return goja.Undefined()
	})
	_ = req.Set("getAuthMode", func(goja.FunctionCall) goja.Value { return vm.ToValue(d.authMode) })
	_ = s.vm.Set("req", req)
}

// bindResponse exposes the sent request and its response as `req` and `res`.
func (s *sandbox) bindResponse(sent *http.Request, view responseView) {
	vm := s.vm
	req := vm.NewObject()
	_ = req.Set("url", sent.URL.String())
	_ = req.Set("method", sent.Method)
	_ = req.Set("getUrl", func(goja.FunctionCall) goja.Value { return vm.ToValue(sent.URL.String()) })
	_ = req.Set("getMethod", func(goja.FunctionCall) goja.Value { return vm.ToValue(sent.Method) })
	_ = req.Set("getHeader", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(sent.Header.Get(call.Argument(0).String()))
	})
	_ = vm.Set("req", req)

	res := vm.NewObject()
	headers := vm.NewObject()
	for k := range view.header {
		_ = headers.Set(strings.ToLower(k), view.header.Get(k))
	}
	var body goja.Value = vm.ToValue(string(view.body))
	if view.isJSON {
		if jsVal, err := toJSValue(vm, json.RawMessage(view.body)); err == nil {
			body = jsVal
		}
	}
	ms := view.duration.Milliseconds()
	_ = res.Set("status", view.status)
	_ = res.Set("statusText", http.StatusText(view.status))
	_ = res.Set("headers", headers)
	_ = res.Set("body", body)
	_ = res.Set("responseTime", ms)
	_ = res.Set("getStatus", func(goja.FunctionCall) goja.Value { return vm.ToValue(view.status) })
	_ = res.Set("getStatusText", func(goja.FunctionCall) goja.Value { return vm.ToValue(http.StatusText(view.status)) })
	_ = res.Set("getHeader", func(call goja.FunctionCall) goja.Value {
		if v := headers.Get(strings.ToLower(call.Argument(0).String())); v != nil {
			return v
		}
		return goja.Undefined()
	})
	_ = res.Set("getHeaders", func(goja.FunctionCall) goja.Value { return headers })
	_ = res.Set("getBody", func(goja.FunctionCall) goja.Value { return body })
	_ = res.Set("getResponseTime", func(goja.FunctionCall) goja.Value { return vm.ToValue(ms) })
	_ = vm.Set("res", res)
}

// toJSValue re-parses a Go value inside goja so scripts get native JS
// strings, arrays and objects.
func toJSValue(vm *goja.Runtime, v any) (goja.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse missing")
	}
	return parse(jsonObj, vm.ToValue(string(b)))
}
