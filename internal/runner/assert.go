package runner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"pkt.systems/bruci/internal/parser"
	"pkt.systems/bruci/internal/report"
)

// responseView is the read-only response surface shared by assertions,
// post-response variables and contract checks.
type responseView struct {
	status   int
	header   http.Header
	body     []byte
	duration time.Duration
	json     gjson.Result
	isJSON   bool
}

func newResponseView(status int, header http.Header, body []byte, duration time.Duration) responseView {
	v := responseView{status: status, header: header, body: body, duration: duration}
	if len(body) > 0 && gjson.ValidBytes(body) {
		v.json = gjson.ParseBytes(body)
		v.isJSON = true
	}
	return v
}

var (
	bracketIndex = regexp.MustCompile(`\[(\d+)\]`)
	bracketKey   = regexp.MustCompile(`\[\s*['"]([^'"]+)['"]\s*\]`)
)

// gjsonPath converts `.a[0]['b.c']` style access into a gjson path.
func gjsonPath(path string) string {
	path = bracketKey.ReplaceAllStringFunc(path, func(m string) string {
		key := bracketKey.FindStringSubmatch(m)[1]
		return "." + strings.ReplaceAll(key, ".", `\.`)
	})
	path = bracketIndex.ReplaceAllString(path, ".$1")
	return strings.TrimPrefix(path, ".")
}

// lookup resolves a `res.…` expression. The second result is false when the
// path does not exist.
func (v responseView) lookup(expr string) (any, bool) {
	expr = strings.TrimSpace(expr)
	rest, ok := strings.CutPrefix(expr, "res.")
	if !ok {
		if expr == "res" {
			return v.bodyValue("")
		}
		rest = expr
	}
	switch {
	case rest == "status":
		return v.status, true
	case rest == "statusText":
		return http.StatusText(v.status), true
	case rest == "responseTime" || rest == "duration":
		return v.duration.Milliseconds(), true
	case rest == "headers" || rest == "header":
		out := map[string]any{}
		for k := range v.header {
			out[strings.ToLower(k)] = v.header.Get(k)
		}
		return out, true
	case strings.HasPrefix(rest, "headers") || strings.HasPrefix(rest, "header."):
		name := strings.TrimPrefix(strings.TrimPrefix(rest, "headers"), "header")
		name = strings.Trim(strings.TrimSpace(name), ".[]'\"")
		vals, ok := v.header[http.CanonicalHeaderKey(name)]
		if !ok || len(vals) == 0 {
			return nil, false
		}
		return vals[0], true
	case rest == "body" || strings.HasPrefix(rest, "body.") || strings.HasPrefix(rest, "body["):
		return v.bodyValue(strings.TrimPrefix(rest, "body"))
	}
	return nil, false
}

func (v responseView) bodyValue(path string) (any, bool) {
	path = gjsonPath(path)
	if !v.isJSON {
		if path == "" {
			return string(v.body), true
		}
		return nil, false
	}
	if path == "" {
		return v.json.Value(), true
	}
	r := v.json.Get(path)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

// literal parses the right-hand side of an assertion into a typed value.
func literal(raw string) any {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if len(raw) >= 2 && (raw[0] == '"' && raw[len(raw)-1] == '"' || raw[0] == '\'' && raw[len(raw)-1] == '\'') {
		return raw[1 : len(raw)-1]
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	return raw
}

// listLiteral parses `a, b, c` or a JSON array.
func listLiteral(raw string) []any {
	if v, ok := literal(raw).([]any); ok {
		return v
	}
	var out []any
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, literal(part))
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func display(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case map[string]any, []any:
		b, _ := json.Marshal(val)
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func equalValues(actual, expected any) bool {
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	if s, ok := expected.(string); ok {
		if a, ok := actual.(string); ok {
			return a == s
		}
	}
	an, aok := toFloat(actual)
	en, eok := toFloat(expected)
	if aok && eok {
		return an == en
	}
	switch actual.(type) {
	case map[string]any, []any:
		a, _ := json.Marshal(actual)
		e, _ := json.Marshal(expected)
		return string(a) == string(e)
	}
	return display(actual) == display(expected)
}

func lengthOf(v any) (int, bool) {
	switch val := v.(type) {
	case string:
		return len([]rune(val)), true
	case []any:
		return len(val), true
	case map[string]any:
		return len(val), true
	}
	return 0, false
}

func isEmpty(v any, exists bool) bool {
	if !exists || v == nil {
		return true
	}
	if n, ok := lengthOf(v); ok {
		return n == 0
	}
	return false
}

func truthy(v any, exists bool) bool {
	if !exists || v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	}
	return true
}

func regexLiteral(raw string) (*regexp.Regexp, error) {
	pattern := strings.TrimSpace(raw)
	if s, ok := literal(pattern).(string); ok {
		pattern = s
	}
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.LastIndex(pattern, "/") > 0 {
		end := strings.LastIndex(pattern, "/")
		flags := pattern[end+1:]
		pattern = pattern[1:end]
		if strings.Contains(flags, "i") {
			pattern = "(?i)" + pattern
		}
	}
	return regexp.Compile(pattern)
}

// evaluateAssertion checks one assert-block rule. right must already have
// variables expanded.
func evaluateAssertion(view responseView, rule parser.AssertRule, right string) report.AssertionOutcome {
	name := strings.TrimSpace(rule.Left + " " + rule.Op + " " + rule.Right)
	out := report.AssertionOutcome{Name: name, Operator: rule.Op, Expected: right}
	actual, exists := view.lookup(rule.Left)
	out.Actual = display(actual)
	if !exists {
		out.Actual = "undefined"
	}
	expected := literal(right)

	pass := false
	msg := ""
	numeric := func(cmp func(a, e float64) bool, word string) {
		a, aok := toFloat(actual)
		e, eok := toFloat(expected)
		if !aok || !eok {
			msg = fmt.Sprintf("cannot compare non-numeric values: %s %s %s", out.Actual, word, right)
			return
		}
		pass = cmp(a, e)
		if !pass {
			msg = fmt.Sprintf("expected %s to be %s %s", out.Actual, word, display(expected))
		}
	}

	switch rule.Op {
	case "eq":
		pass = exists && equalValues(actual, expected)
		if !pass {
			msg = fmt.Sprintf("expected %s, got %s", display(expected), out.Actual)
		}
	case "neq":
		pass = !exists || !equalValues(actual, expected)
		if !pass {
			msg = fmt.Sprintf("expected not %s, got %s", display(expected), out.Actual)
		}
	case "gt":
		numeric(func(a, e float64) bool { return a > e }, "greater than")
	case "gte":
		numeric(func(a, e float64) bool { return a >= e }, "at least")
	case "lt":
		numeric(func(a, e float64) bool { return a < e }, "less than")
	case "lte":
		numeric(func(a, e float64) bool { return a <= e }, "at most")
	case "in", "notIn":
		found := false
		for _, item := range listLiteral(right) {
			if equalValues(actual, item) {
				found = true
				break
			}
		}
		pass = found == (rule.Op == "in")
		if !pass {
			msg = fmt.Sprintf("expected %s %s [%s]", out.Actual, map[bool]string{true: "to be in", false: "not to be in"}[rule.Op == "in"], right)
		}
	case "contains", "notContains":
		found := false
		switch a := actual.(type) {
		case []any:
			for _, item := range a {
				if equalValues(item, expected) {
					found = true
					break
				}
			}
		default:
			found = exists && strings.Contains(display(actual), display(expected))
		}
		pass = found == (rule.Op == "contains")
		if !pass {
			msg = fmt.Sprintf("expected %s %s %s", out.Actual, map[bool]string{true: "to contain", false: "not to contain"}[rule.Op == "contains"], display(expected))
		}
	case "startsWith":
		pass = exists && strings.HasPrefix(display(actual), display(expected))
		if !pass {
			msg = fmt.Sprintf("expected %s to start with %s", out.Actual, display(expected))
		}
	case "endsWith":
		pass = exists && strings.HasSuffix(display(actual), display(expected))
		if !pass {
			msg = fmt.Sprintf("expected %s to end with %s", out.Actual, display(expected))
		}
	case "matches", "notMatches":
		re, err := regexLiteral(right)
		if err != nil {
			msg = fmt.Sprintf("invalid regex pattern: %v", err)
			break
		}
		pass = (exists && re.MatchString(display(actual))) == (rule.Op == "matches")
		if !pass {
			msg = fmt.Sprintf("expected %s %s /%s/", out.Actual, map[bool]string{true: "to match", false: "not to match"}[rule.Op == "matches"], re.String())
		}
	case "between":
		bounds := listLiteral(strings.Join(strings.Fields(strings.ReplaceAll(right, ",", " ")), ","))
		if len(bounds) != 2 {
			msg = fmt.Sprintf("between expects two bounds, got %q", right)
			break
		}
		lo, lok := toFloat(bounds[0])
		hi, hok := toFloat(bounds[1])
		a, aok := toFloat(actual)
		if !lok || !hok || !aok {
			msg = fmt.Sprintf("cannot compare non-numeric values: %s between %s", out.Actual, right)
			break
		}
		pass = a >= lo && a <= hi
		if !pass {
			msg = fmt.Sprintf("expected %s to be between %s and %s", out.Actual, display(bounds[0]), display(bounds[1]))
		}
	case "length":
		n, ok := lengthOf(actual)
		want, wok := toFloat(expected)
		pass = ok && wok && float64(n) == want
		if ok {
			out.Actual = strconv.Itoa(n)
		}
		if !pass {
			msg = fmt.Sprintf("expected length %s, got %s", right, out.Actual)
		}
	case "isEmpty":
		pass = isEmpty(actual, exists)
		if !pass {
			msg = fmt.Sprintf("expected %s to be empty", out.Actual)
		}
	case "isNotEmpty":
		pass = !isEmpty(actual, exists)
		if !pass {
			msg = fmt.Sprintf("expected %s not to be empty", out.Actual)
		}
	case "isNull":
		pass = exists && actual == nil
		if !pass {
			msg = fmt.Sprintf("expected null, got %s", out.Actual)
		}
	case "isUndefined":
		pass = !exists
		if !pass {
			msg = fmt.Sprintf("expected undefined, got %s", out.Actual)
		}
	case "isDefined":
		pass = exists
		if !pass {
			msg = "expected value to be defined"
		}
	case "isTruthy":
		pass = truthy(actual, exists)
		if !pass {
			msg = fmt.Sprintf("expected %s to be truthy", out.Actual)
		}
	case "isFalsy":
		pass = !truthy(actual, exists)
		if !pass {
			msg = fmt.Sprintf("expected %s to be falsy", out.Actual)
		}
	case "isJson":
		switch actual.(type) {
		case map[string]any, []any:
			pass = true
		}
		if !pass {
			msg = fmt.Sprintf("expected %s to be JSON", out.Actual)
		}
	case "isNumber":
		switch actual.(type) {
		case float64, int, int64:
			pass = true
		}
		if !pass {
			msg = fmt.Sprintf("expected %s to be a number", out.Actual)
		}
	case "isString":
		_, pass = actual.(string)
		if !pass {
			msg = fmt.Sprintf("expected %s to be a string", out.Actual)
		}
	case "isBoolean":
		_, pass = actual.(bool)
		if !pass {
			msg = fmt.Sprintf("expected %s to be a boolean", out.Actual)
		}
	case "isArray":
		_, pass = actual.([]any)
		if !pass {
			msg = fmt.Sprintf("expected %s to be an array", out.Actual)
		}
	default:
		msg = fmt.Sprintf("unknown operator: %s", rule.Op)
	}
	out.Passed = pass
	out.Message = msg
	return out
}
