package report

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Formats understood by Encode and WriteFile.
var Formats = []string{"json", "junit", "html", "console"}

// Extension returns the file extension used for format.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case "junit":
		return "xml"
	case "console":
		return "txt"
	case "":
		return "json"
	}
	return strings.ToLower(format)
}

// Encode renders rep in the given format.
func Encode(format string, w io.Writer, rep Report) error {
	switch strings.ToLower(format) {
	case "json", "":
		return EncodeJSON(w, rep)
	case "junit":
		return EncodeJUnit(w, rep)
	case "html":
		return EncodeHTML(w, rep)
	case "console":
		return NewConsoleWriter(w, WithNoColor(true)).Write(rep)
	default:
		return fmt.Errorf("unknown format %s", format)
	}
}

// WriteFile renders rep to path, creating parent directories.
func WriteFile(format, path string, rep Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(format, f, rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeJSON writes the report as indented JSON.
func EncodeJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// Minimal JUnit reporter for CI compatibility.
type junitTestsuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Props    *junitProps     `xml:"properties,omitempty"`
	Cases    []junitTestcase `xml:"testcase"`
}

type junitProps struct {
	Items []junitProp `xml:"property"`
}

type junitProp struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type junitTestcase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Error     *junitFailure `xml:"error,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// EncodeJUnit writes the report as a JUnit testsuite.
func EncodeJUnit(w io.Writer, rep Report) error {
	ts := junitTestsuite{
		Name:     rep.Collection + "/" + rep.Environment,
		Tests:    rep.Total,
		Failures: rep.Failed,
		Errors:   rep.Errored,
		Skipped:  rep.Skipped,
		Time:     fmt.Sprintf("%.3f", rep.Duration.Seconds()),
	}
	for _, p := range rep.Problems {
		if ts.Props == nil {
			ts.Props = &junitProps{}
		}
		ts.Props.Items = append(ts.Props.Items, junitProp{Name: p.Code, Value: p.Message})
	}
	for _, r := range rep.Results {
		tc := junitTestcase{
			Name:      r.Name,
			Classname: r.Path,
			Time:      fmt.Sprintf("%.3f", r.Duration.Seconds()),
		}
		switch r.Outcome {
		case OutcomeSkipped:
			msg := ""
			if r.Error != nil {
				msg = r.Error.Message
			}
			tc.Skipped = &junitSkipped{Message: msg}
		case OutcomeFailed:
			msg := r.FailureMessage()
			tc.Failure = &junitFailure{Message: msg, Type: CodeAssertionFailure, Body: failureBody(r)}
		case OutcomeError:
			code, msg := "error", r.FailureMessage()
			if r.Error != nil {
				code = r.Error.Code
			}
			tc.Error = &junitFailure{Message: msg, Type: code, Body: msg}
		}
		ts.Cases = append(ts.Cases, tc)
	}
	data, err := xml.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func failureBody(r RunResult) string {
	var lines []string
	for _, a := range r.Assertions {
		if !a.Passed {
			lines = append(lines, a.Name+": "+a.Message)
		}
	}
	if r.Error != nil {
		lines = append(lines, r.Error.Code+": "+r.Error.Message)
	}
	return strings.Join(lines, "\n")
}

var htmlTemplate = template.Must(template.New("report").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>bruci report: {{.Collection}} / {{.Environment}}</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 16px; background: #fafafa; }
    h1 { margin-bottom: 8px; }
    .summary { margin-bottom: 16px; }
    table { width: 100%; border-collapse: collapse; background: #fff; }
    th, td { padding: 8px 10px; border: 1px solid #e0e0e0; font-size: 14px; }
    th { background: #f5f5f5; text-align: left; }
    .status-passed { color: #2e7d32; font-weight: 600; }
    .status-failed, .status-error { color: #c62828; font-weight: 600; }
    .status-skipped { color: #9e9e9e; font-weight: 600; }
    .mono { font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace; font-size: 12px; }
  </style>
</head>
<body>
  <h1>{{.Collection}} / {{.Environment}}: <span class="status-{{.Status}}">{{.Status}}</span></h1>
  <div class="summary">
    <div>Total: {{.Total}} &nbsp; Passed: {{.Passed}} &nbsp; Failed: {{.Failed}} &nbsp; Errored: {{.Errored}} &nbsp; Skipped: {{.Skipped}} &nbsp; Time: {{.Duration}}</div>
    <div>p50: {{.Latency.P50}} &nbsp; p95: {{.Latency.P95}} &nbsp; p99: {{.Latency.P99}} &nbsp; max: {{.Latency.Max}}</div>
    {{range .Problems}}<div class="status-error">{{.Code}}: {{.Message}}</div>{{end}}
    {{range .Warnings}}<div class="status-skipped">{{.Code}}: {{.Message}}</div>{{end}}
  </div>
  <table>
    <thead>
      <tr>
        <th>#</th>
        <th>Name</th>
        <th>File</th>
        <th>Status</th>
        <th>HTTP</th>
        <th>Duration</th>
        <th>Error</th>
      </tr>
    </thead>
    <tbody>
      {{range $idx, $r := .Results}}
      <tr>
        <td>{{$idx}}</td>
        <td>{{$r.Name}}</td>
        <td class="mono">{{$r.Path}}</td>
        <td><span class="status-{{$r.Outcome}}">{{$r.Outcome}}</span></td>
        <td>{{if $r.Response}}{{$r.Response.Status}}{{end}}</td>
        <td>{{$r.Duration}}</td>
        <td>{{with $r.FailureMessage}}<span class="mono">{{.}}</span>{{end}}</td>
      </tr>
      {{end}}
    </tbody>
  </table>
</body>
</html>
`))

// EncodeHTML renders a table summary.
func EncodeHTML(w io.Writer, rep Report) error {
	return htmlTemplate.Execute(w, rep)
}

// FilterHeaders drops headers from request/response records and masks
// credentials in whatever remains.
func FilterHeaders(rep Report, skipAll bool, skip []string) Report {
	skipSet := map[string]struct{}{}
	for _, h := range skip {
		skipSet[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	out := rep
	out.Results = make([]RunResult, len(rep.Results))
	copy(out.Results, rep.Results)
	for i := range out.Results {
		r := &out.Results[i]
		if skipAll {
			r.Request.Headers = nil
			if r.Response != nil {
				resp := *r.Response
				resp.Headers = nil
				r.Response = &resp
			}
			continue
		}
		r.Request.Headers = filterHeaderMap(r.Request.Headers, skipSet)
		if r.Response != nil {
			resp := *r.Response
			resp.Headers = filterHeaderMap(resp.Headers, skipSet)
			r.Response = &resp
		}
	}
	return out
}

var sensitiveHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie", "x-api-key"}

func filterHeaderMap(hdrs map[string]string, skipSet map[string]struct{}) map[string]string {
	if hdrs == nil {
		return nil
	}
	out := map[string]string{}
	for k, v := range hdrs {
		lk := strings.ToLower(k)
		if _, skip := skipSet[lk]; skip {
			continue
		}
		for _, s := range sensitiveHeaders {
			if lk == s {
				v = "********"
				break
			}
		}
		out[k] = v
	}
	return out
}
