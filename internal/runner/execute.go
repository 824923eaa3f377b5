package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/parser"
	"pkt.systems/bruci/internal/report"
)

// execDescriptor runs one descriptor against base. Every failure becomes part
// of the returned result; only script flow requests travel in control.
func (rn *run) execDescriptor(ctx context.Context, base *env.Scope, d parser.Descriptor, it iteration) (report.RunResult, control) {
	var ctl control
	res := baseResult(d, it)
	begin := time.Now()
	fail := func(code string, err error) (report.RunResult, control) {
		if ctx.Err() != nil {
			code = report.CodeCancelled
			res.Outcome = report.OutcomeSkipped
		} else {
			res.Outcome = report.OutcomeError
		}
		if res.Duration == 0 {
			res.Duration = time.Since(begin)
		}
		res.Error = &report.Problem{Code: code, Message: base.Redact(err.Error()), Path: d.Path}
		rn.logger.Debug("descriptor errored", "descriptor", d.Path, "code", code, "error", res.Error.Message)
		return res, ctl
	}

	if d.Meta.Skip {
		res.Outcome = report.OutcomeSkipped
		return res, ctl
	}
	if rn.opts.TestsOnly && strings.TrimSpace(d.Tests) == "" && !hasEnabledAssertions(d) {
		res.Outcome = report.OutcomeSkipped
		return res, ctl
	}

	scope := base.Child()
	for _, pairs := range [][]parser.Pair{rn.settings.VarsPre, d.VarsPre} {
		for _, p := range parser.Enabled(pairs) {
			v, err := scope.Expand(p.Value)
			if err != nil {
				return fail(codeFor(err), err)
			}
			scope.Set(p.Name, v)
		}
	}

	draft := newDraft(d, rn.settings)
	for _, code := range []string{rn.settings.Scripts.PreRequest, d.Scripts.PreRequest} {
		if strings.TrimSpace(code) == "" {
			continue
		}
		sb := newSandbox(scope, it, &ctl, &res.Console, rn.logger, "pre-request")
		sb.bindDraft(draft)
		if err := sb.run(ctx, code, rn.opts.ScriptTimeout); err != nil {
			return fail(report.CodeScriptError, err)
		}
	}
	if ctl.skip {
		res.Outcome = report.OutcomeSkipped
		res.Console = append(res.Console, "skipped by pre-request script")
		return res, ctl
	}

	req, payload, err := buildHTTPRequest(ctx, draft, d, scope)
	if err != nil {
		res.Request = report.RequestInfo{Method: draft.method, URL: draft.url}
		return fail(codeFor(err), err)
	}
	timeout := draft.timeout
	if timeout <= 0 {
		timeout = rn.timeout
	}
	if auth, ok := activeAuth(d, rn.settings); ok {
		authCtx, cancelAuth := context.WithTimeout(ctx, timeout)
		err := applyAuth(authCtx, req, auth, scope, rn.tokens, rn.client, rn.logger)
		expired := errors.Is(authCtx.Err(), context.DeadlineExceeded)
		cancelAuth()
		if err != nil {
			if expired && ctx.Err() == nil {
				return fail(report.CodeNetworkError, fmt.Errorf("auth token request exceeded %s: %w", timeout, err))
			}
			return fail(codeFor(err, report.CodeAuthError), err)
		}
	}
	info := HookInfo{
		Name:        d.Name(),
		Path:        d.Path,
		Seq:         d.Meta.Seq,
		Tags:        d.Meta.Tags,
		Method:      req.Method,
		URL:         req.URL.String(),
		Iteration:   it.index,
		Environment: rn.envName,
	}
	if rn.r.preHook != nil {
		if err := rn.r.preHook(ctx, info, req, rn.logger); err != nil {
			return fail(report.CodeHookError, fmt.Errorf("pre-request hook: %w", err))
		}
	}
	if err := runExternalHook(ctx, "pre", rn.opts.PreHookCmd, info, nil, rn.logger); err != nil {
		return fail(report.CodeHookError, err)
	}
	res.Request = report.RequestInfo{
		Method:  req.Method,
		URL:     scope.Redact(req.URL.String()),
		Headers: redactHeaders(scope, headerMap(req.Header)),
		Body:    scope.Redact(string(payload)),
	}

	if rn.limiter != nil {
		if err := rn.limiter.Wait(ctx); err != nil {
			return fail(report.CodeCancelled, err)
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	resp, err := rn.client.Do(req.WithContext(reqCtx))
	if err != nil {
		res.Duration = time.Since(start)
		return fail(report.CodeNetworkError, fmt.Errorf("http request failed: %w", err))
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	res.Duration = time.Since(start)
	if err != nil {
		return fail(report.CodeNetworkError, fmt.Errorf("read response: %w", err))
	}
	view := newResponseView(resp.StatusCode, resp.Header, body, res.Duration)
	res.Response = &report.ResponseInfo{
		Status:  resp.StatusCode,
		Headers: headerMap(resp.Header),
		Body:    scope.Redact(string(body)),
		Size:    len(body),
	}
	rn.logger.Debug("response", "descriptor", d.Path, "status", resp.StatusCode, "duration", res.Duration)

	var scriptErr error
	runScope := scope.Root()
	for _, pairs := range [][]parser.Pair{rn.settings.VarsPost, d.VarsPost} {
		for _, p := range parser.Enabled(pairs) {
			v, err := postResponseValue(view, scope, p.Value)
			if err != nil {
				return fail(codeFor(err), err)
			}
			runScope.Set(p.Name, v)
		}
	}
	for _, code := range []string{rn.settings.Scripts.PostResponse, d.Scripts.PostResponse} {
		if strings.TrimSpace(code) == "" || scriptErr != nil {
			continue
		}
		sb := newSandbox(scope, it, &ctl, &res.Console, rn.logger, "post-response")
		sb.bindResponse(req, view)
		scriptErr = sb.run(ctx, code, rn.opts.ScriptTimeout)
	}

	for _, rule := range d.Assertions {
		if !rule.Enabled {
			continue
		}
		right, err := scope.Expand(rule.Right)
		if err != nil {
			return fail(codeFor(err), err)
		}
		res.Assertions = append(res.Assertions, evaluateAssertion(view, rule, right))
	}
	if rn.contract != nil {
		if outcome, covered := rn.contract.check(ctx, req, view); covered {
			res.Assertions = append(res.Assertions, outcome)
		}
	}
	for _, code := range []string{rn.settings.Tests, d.Tests} {
		if strings.TrimSpace(code) == "" || scriptErr != nil {
			continue
		}
		sb := newSandbox(scope, it, &ctl, &res.Console, rn.logger, "tests")
		sb.bindResponse(req, view)
		outcomes, err := sb.runTests(ctx, code, rn.opts.ScriptTimeout)
		res.Assertions = append(res.Assertions, outcomes...)
		scriptErr = err
	}

	res.Outcome = report.OutcomePassed
	for _, a := range res.Assertions {
		if !a.Passed {
			res.Outcome = report.OutcomeFailed
			break
		}
	}
	if scriptErr != nil {
		return fail(report.CodeScriptError, scriptErr)
	}

	if rn.r.postHook != nil {
		if err := rn.r.postHook(ctx, info, res, rn.logger); err != nil {
			return fail(report.CodeHookError, fmt.Errorf("post-request hook: %w", err))
		}
	}
	if err := runExternalHook(ctx, "post", rn.opts.PostHookCmd, info, &res, rn.logger); err != nil {
		return fail(report.CodeHookError, err)
	}
	return res, ctl
}

func hasEnabledAssertions(d parser.Descriptor) bool {
	for _, a := range d.Assertions {
		if a.Enabled {
			return true
		}
	}
	return false
}

// postResponseValue evaluates a vars:post-response entry. Values starting
// with `res` are read from the response; anything else is expanded.
func postResponseValue(view responseView, scope *env.Scope, expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "res" || strings.HasPrefix(trimmed, "res.") {
		v, ok := view.lookup(trimmed)
		if !ok {
			return "", nil
		}
		return display(v), nil
	}
	return scope.Expand(expr)
}

// codeFor maps an error to its report code. fallback replaces the generic
// setup code when given.
func codeFor(err error, fallback ...string) string {
	switch {
	case errors.Is(err, env.ErrUnresolvedVariable):
		return report.CodeUnresolvedVariable
	case errors.Is(err, env.ErrCyclicVariableReference):
		return report.CodeCyclicVariableReference
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return report.CodeCancelled
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return report.CodeSetupError
}

func redactHeaders(scope *env.Scope, h map[string]string) map[string]string {
	for k, v := range h {
		h[k] = scope.Redact(v)
	}
	return h
}
