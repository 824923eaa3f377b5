package runner

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// expectation backs the chai-style expect() available to scripts and tests.
type expectation struct {
	vm  *goja.Runtime
	val goja.Value
}

func (s *sandbox) expect(call goja.FunctionCall) goja.Value {
	e := &expectation{vm: s.vm, val: call.Argument(0)}
	return e.chain(false)
}

var languageChains = []string{"to", "be", "been", "is", "that", "which", "and", "has", "have", "with", "at", "of", "same", "does", "deep"}

func (e *expectation) chain(neg bool) *goja.Object {
	vm := e.vm
	obj := vm.NewObject()
	for _, name := range languageChains {
		_ = obj.Set(name, obj)
	}
	getter := func(name string, fn func() goja.Value) {
		_ = obj.DefineAccessorProperty(name,
			vm.ToValue(func(goja.FunctionCall) goja.Value { return fn() }),
			nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	check := func(ok bool, msg string, args ...any) goja.Value {
		if neg {
			ok = !ok
			msg = strings.Replace(msg, "expected %v to", "expected %v not to", 1)
		}
		if !ok {
			panic(vm.NewGoError(fmt.Errorf(msg, args...)))
		}
		return obj
	}
	v := e.val

	getter("not", func() goja.Value { return e.chain(!neg) })
	getter("ok", func() goja.Value { return check(v.ToBoolean(), "expected %v to be truthy", v) })
	getter("true", func() goja.Value { return check(v.Export() == true, "expected %v to be true", v) })
	getter("false", func() goja.Value { return check(v.Export() == false, "expected %v to be false", v) })
	getter("null", func() goja.Value { return check(goja.IsNull(v), "expected %v to be null", v) })
	getter("undefined", func() goja.Value { return check(isUndefined(v), "expected %v to be undefined", v) })
	getter("exist", func() goja.Value { return check(!isUndefined(v) && !goja.IsNull(v), "expected %v to exist", v) })
	getter("empty", func() goja.Value {
		n, ok := jsLength(v)
		return check(ok && n == 0, "expected %v to be empty", v)
	})

	equal := func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0)
		return check(strictEqual(v, want), "expected %v to equal %v", jsDisplay(v), jsDisplay(want))
	}
	eql := func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0)
		return check(deepEqual(v, want), "expected %v to deeply equal %v", jsDisplay(v), jsDisplay(want))
	}
	num := func(op string, cmp func(a, b float64) bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			got, want := v.ToFloat(), call.Argument(0).ToFloat()
			return check(!math.IsNaN(got) && cmp(got, want), "expected %v to be %s %v", jsDisplay(v), op, want)
		}
	}
	include := func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0)
		return check(includes(v, want), "expected %v to include %v", jsDisplay(v), jsDisplay(want))
	}
	typeIs := func(call goja.FunctionCall) goja.Value {
		want := strings.ToLower(call.Argument(0).String())
		got := jsType(v)
		return check(got == want, "expected %v to be a %s but got %s", jsDisplay(v), want, got)
	}
	lengthOf := func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0).ToInteger()
		n, ok := jsLength(v)
		return check(ok && int64(n) == want, "expected %v to have length %v", jsDisplay(v), want)
	}

	for _, name := range []string{"equal", "equals", "eq"} {
		_ = obj.Set(name, equal)
	}
	_ = obj.Set("eql", eql)
	_ = obj.Set("eqls", eql)
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"above":       num("above", func(a, b float64) bool { return a > b }),
		"greaterThan": num("above", func(a, b float64) bool { return a > b }),
		"gt":          num("above", func(a, b float64) bool { return a > b }),
		"below":       num("below", func(a, b float64) bool { return a < b }),
		"lessThan":    num("below", func(a, b float64) bool { return a < b }),
		"lt":          num("below", func(a, b float64) bool { return a < b }),
		"least":       num("at least", func(a, b float64) bool { return a >= b }),
		"gte":         num("at least", func(a, b float64) bool { return a >= b }),
		"most":        num("at most", func(a, b float64) bool { return a <= b }),
		"lte":         num("at most", func(a, b float64) bool { return a <= b }),
	} {
		_ = obj.Set(name, fn)
	}
	_ = obj.Set("within", func(call goja.FunctionCall) goja.Value {
		got := v.ToFloat()
		lo, hi := call.Argument(0).ToFloat(), call.Argument(1).ToFloat()
		return check(got >= lo && got <= hi, "expected %v to be within %v..%v", jsDisplay(v), lo, hi)
	})
	for _, name := range []string{"include", "includes", "contain", "contains"} {
		_ = obj.Set(name, include)
	}
	_ = obj.Set("a", typeIs)
	_ = obj.Set("an", typeIs)
	_ = obj.Set("lengthOf", lengthOf)
	_ = obj.Set("length", lengthOf)
	_ = obj.Set("match", func(call goja.FunctionCall) goja.Value {
		re, err := jsRegexp(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return check(re.MatchString(v.String()), "expected %v to match %v", jsDisplay(v), re.String())
	})
	_ = obj.Set("oneOf", func(call goja.FunctionCall) goja.Value {
		found := false
		if list, ok := call.Argument(0).(*goja.Object); ok {
			for _, k := range list.Keys() {
				if strictEqual(v, list.Get(k)) {
					found = true
					break
				}
			}
		}
		return check(found, "expected %v to be one of %v", jsDisplay(v), jsDisplay(call.Argument(0)))
	})
	_ = obj.Set("property", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		var prop goja.Value = goja.Undefined()
		if o, ok := v.(*goja.Object); ok {
			if p := o.Get(name); p != nil {
				prop = p
			}
		}
		ok := !isUndefined(prop)
		if len(call.Arguments) > 1 && ok {
			ok = deepEqual(prop, call.Argument(1))
		}
		check(ok, "expected %v to have property %v", jsDisplay(v), name)
		if neg {
			return obj
		}
		return (&expectation{vm: vm, val: prop}).chain(false)
	})
	return obj
}

func isUndefined(v goja.Value) bool { return v == nil || goja.IsUndefined(v) }

func jsType(v goja.Value) string {
	switch {
	case isUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if o, ok := v.(*goja.Object); ok {
		switch o.ClassName() {
		case "Array":
			return "array"
		case "Function":
			return "function"
		case "RegExp":
			return "regexp"
		}
		return "object"
	}
	switch v.Export().(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	}
	return "object"
}

func jsLength(v goja.Value) (int, bool) {
	if isUndefined(v) || goja.IsNull(v) {
		return 0, false
	}
	if s, ok := v.Export().(string); ok {
		return utf8.RuneCountInString(s), true
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	if l := o.Get("length"); l != nil && !goja.IsUndefined(l) {
		return int(l.ToInteger()), true
	}
	return len(o.Keys()), true
}

func strictEqual(a, b goja.Value) bool {
	if _, ok := a.(*goja.Object); ok {
		return deepEqual(a, b)
	}
	if isUndefined(a) || isUndefined(b) {
		return isUndefined(a) && isUndefined(b)
	}
	return a.StrictEquals(b)
}

func deepEqual(a, b goja.Value) bool {
	if isUndefined(a) || isUndefined(b) {
		return isUndefined(a) && isUndefined(b)
	}
	ab, err1 := json.Marshal(a.Export())
	bb, err2 := json.Marshal(b.Export())
	if err1 != nil || err2 != nil {
		return a.StrictEquals(b)
	}
	return string(ab) == string(bb)
}

func includes(haystack, needle goja.Value) bool {
	if s, ok := haystack.Export().(string); ok {
		return strings.Contains(s, needle.String())
	}
	o, ok := haystack.(*goja.Object)
	if !ok {
		return false
	}
	if o.ClassName() == "Array" {
		for _, k := range o.Keys() {
			if strictEqual(o.Get(k), needle) {
				return true
			}
		}
		return false
	}
	sub, ok := needle.(*goja.Object)
	if !ok {
		return !isUndefined(o.Get(needle.String()))
	}
	for _, k := range sub.Keys() {
		if !deepEqual(o.Get(k), sub.Get(k)) {
			return false
		}
	}
	return true
}

func jsRegexp(v goja.Value) (*regexp.Regexp, error) {
	if o, ok := v.(*goja.Object); ok && o.ClassName() == "RegExp" {
		src := o.Get("source").String()
		if strings.Contains(o.Get("flags").String(), "i") {
			src = "(?i)" + src
		}
		return regexp.Compile(src)
	}
	return regexLiteral(v.String())
}

func jsDisplay(v goja.Value) string {
	if isUndefined(v) {
		return "undefined"
	}
	if o, ok := v.(*goja.Object); ok && o.ClassName() != "Function" {
		if b, err := json.Marshal(o.Export()); err == nil {
			return string(b)
		}
	}
	if s, ok := v.Export().(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return v.String()
}
