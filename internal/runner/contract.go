package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"pkt.systems/bruci/internal/report"
)

// contractValidator checks responses against an OpenAPI document. Servers are
// ignored so the same document validates every environment.
type contractValidator struct {
	path   string
	router routers.Router
}

func loadContract(ctx context.Context, path string) (*contractValidator, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("openapi %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi %s: %w", path, err)
	}
	doc.Servers = nil
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi %s: %w", path, err)
	}
	return &contractValidator{path: path, router: router}, nil
}

// check validates one exchange. covered is false when the document has no
// operation for the request.
func (c *contractValidator) check(ctx context.Context, req *http.Request, view responseView) (outcome report.AssertionOutcome, covered bool) {
	route, pathParams, err := c.router.FindRoute(req)
	if uncovered(err) {
		return report.AssertionOutcome{}, false
	}
	outcome = report.AssertionOutcome{
		Name:     "contract " + req.Method + " " + req.URL.Path,
		Operator: "openapi",
		Expected: c.path,
		Actual:   fmt.Sprintf("%d", view.status),
	}
	if err != nil {
		outcome.Message = err.Error()
		return outcome, true
	}
	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				ExcludeRequestBody: true,
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		},
		Status: view.status,
		Header: view.header,
		Options: &openapi3filter.Options{
			IncludeResponseStatus: true,
		},
	}
	input.SetBodyBytes(view.body)
	if err := openapi3filter.ValidateResponse(ctx, input); err != nil {
		msg, _, _ := strings.Cut(err.Error(), "\n")
		outcome.Message = report.CodeContractViolation + ": " + msg
		return outcome, true
	}
	outcome.Passed = true
	return outcome, true
}

// uncovered reports a route lookup miss. Routers return either the sentinel
// or a RouteError carrying its text.
func uncovered(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []error{routers.ErrPathNotFound, routers.ErrMethodNotAllowed} {
		if errors.Is(err, sentinel) || err.Error() == sentinel.Error() {
			return true
		}
	}
	return false
}
