package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/parser"
)

// newDraft merges collection settings with the descriptor into the request a
// pre-request script sees. Descriptor headers override collection headers.
func newDraft(d parser.Descriptor, settings parser.Descriptor) *draftRequest {
	dr := &draftRequest{method: d.Request.Method, url: d.Request.URL, authMode: "none"}
	dr.headers = append(dr.headers, parser.Enabled(settings.Request.Headers)...)
	for _, h := range parser.Enabled(d.Request.Headers) {
		dr.setHeader(h.Name, h.Value)
	}
	dr.query = parser.Enabled(d.Request.Query)
	if b, ok := d.Request.ActiveBody(); ok {
		dr.body = b
		dr.hasBody = true
	}
	if a, ok := activeAuth(d, settings); ok {
		dr.authMode = a.Mode
	}
	if d.Meta.TimeoutMS > 0 {
		dr.timeout = time.Duration(d.Meta.TimeoutMS) * time.Millisecond
	}
	return dr
}

// buildHTTPRequest resolves the draft against scope. URL tokens must resolve;
// header and body tokens are expanded leniently. The encoded body is returned
// for reporting.
func buildHTTPRequest(ctx context.Context, dr *draftRequest, d parser.Descriptor, scope *env.Scope) (*http.Request, []byte, error) {
	target, err := scope.ExpandStrict(dr.url)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range parser.Enabled(d.Request.PathParams) {
		v, err := scope.Expand(p.Value)
		if err != nil {
			return nil, nil, err
		}
		target = strings.ReplaceAll(target, ":"+p.Name, url.PathEscape(v))
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid url %q: missing scheme or host", target)
	}
	if len(dr.query) > 0 {
		q := u.Query()
		added := false
		for _, p := range dr.query {
			if q.Has(p.Name) {
				continue
			}
			v, err := scope.Expand(p.Value)
			if err != nil {
				return nil, nil, err
			}
			q.Add(p.Name, v)
			added = true
		}
		if added {
			u.RawQuery = q.Encode()
		}
	}

	header := http.Header{}
	for _, h := range dr.headers {
		v, err := scope.Expand(h.Value)
		if err != nil {
			return nil, nil, err
		}
		header.Set(h.Name, v)
	}

	var payload []byte
	if dr.hasBody {
		var contentType string
		payload, contentType, err = encodeBody(dr.body, d, scope)
		if err != nil {
			return nil, nil, err
		}
		if contentType != "" && (header.Get("Content-Type") == "" || strings.HasPrefix(contentType, "multipart/")) {
			if ct := header.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "multipart/related") {
				if !strings.Contains(ct, "boundary=") {
					_, boundary, _ := strings.Cut(contentType, "boundary=")
					header.Set("Content-Type", ct+"; boundary="+boundary)
				}
			} else {
				header.Set("Content-Type", contentType)
			}
		}
	}

	var bodyReader io.Reader = http.NoBody
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	method := dr.method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header = header
	return req, payload, nil
}

// encodeBody renders a body block into bytes and a default content type.
func encodeBody(b parser.Body, d parser.Descriptor, scope *env.Scope) ([]byte, string, error) {
	switch b.Type {
	case "json", "":
		expanded, err := scope.Expand(b.Raw)
		if err != nil {
			return nil, "", err
		}
		payload, err := normalizeJSONBody(expanded)
		return payload, "application/json", err
	case "graphql":
		query, err := scope.Expand(strings.TrimSpace(b.Raw))
		if err != nil {
			return nil, "", err
		}
		obj := map[string]any{"query": query}
		for _, other := range d.Request.Bodies {
			if other.Type != "graphql:vars" || strings.TrimSpace(other.Raw) == "" {
				continue
			}
			raw, err := scope.Expand(other.Raw)
			if err != nil {
				return nil, "", err
			}
			var vars any
			if err := json.Unmarshal([]byte(raw), &vars); err != nil {
				return nil, "", fmt.Errorf("body:graphql:vars: %w", err)
			}
			obj["variables"] = vars
		}
		payload, err := json.Marshal(obj)
		return payload, "application/json", err
	case "form-urlencoded":
		vals := url.Values{}
		for _, f := range parser.Enabled(b.Fields) {
			v, err := scope.Expand(f.Value)
			if err != nil {
				return nil, "", err
			}
			vals.Add(f.Name, v)
		}
		return []byte(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "multipart-form":
		return encodeMultipart(b.Fields, filepath.Dir(d.Path), scope)
	case "xml":
		s, err := scope.Expand(b.Raw)
		return []byte(s), "application/xml", err
	case "text":
		s, err := scope.Expand(b.Raw)
		return []byte(s), "text/plain", err
	default:
		s, err := scope.Expand(b.Raw)
		return []byte(s), "", err
	}
}

func encodeMultipart(fields []parser.Pair, baseDir string, scope *env.Scope) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range parser.Enabled(fields) {
		raw, err := scope.Expand(f.Value)
		if err != nil {
			return nil, "", err
		}
		part := parseMultipartValue(raw)
		if !part.isFile && part.contentType == "" && part.contentID == "" {
			if err := w.WriteField(f.Name, part.value); err != nil {
				return nil, "", err
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name="%s"`, f.Name)
		var content []byte
		if part.isFile {
			path := part.value
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			content, err = os.ReadFile(path)
			if err != nil {
				return nil, "", fmt.Errorf("multipart field %s: %w", f.Name, err)
			}
			disposition += fmt.Sprintf(`; filename="%s"`, filepath.Base(part.value))
		} else {
			content = []byte(part.value)
		}
		h.Set("Content-Disposition", disposition)
		if part.contentType != "" {
			h.Set("Content-Type", part.contentType)
		}
		if part.contentID != "" {
			h.Set("Content-ID", part.contentID)
		}
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

type multipartPart struct {
	isFile      bool
	value       string
	contentType string
	contentID   string
}

// parseMultipartValue supports syntaxes:
//
//	@/path/to/file;type=application/octet-stream;cid=<attach1>
//	raw text;type=application/xop+xml;cid=<rootpart>
func parseMultipartValue(raw string) multipartPart {
	parts := strings.Split(raw, ";")
	p := multipartPart{value: parts[0]}
	if v, ok := strings.CutPrefix(parts[0], "@"); ok {
		p.isFile = true
		p.value = v
	}
	for _, seg := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(seg), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "type", "content-type":
			p.contentType = strings.Trim(v, `"`)
		case "cid", "content-id":
			p.contentID = strings.TrimSpace(v)
		}
	}
	return p
}

// normalizeJSONBody coerces pseudo-JSON (unquoted keys, bare words, trailing
// commas) into JSON by evaluating it as a JS object literal. Anything goja
// cannot evaluate is sent as written.
func normalizeJSONBody(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return []byte(trimmed), nil
	}

	vm := goja.New()
	script := quoteBareValues(trimmed)
	if !strings.HasPrefix(script, "(") {
		script = "(" + script + ")"
	}
	v, err := vm.RunString(script)
	if err != nil {
		return []byte(trimmed), nil
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return []byte(trimmed), nil
	}
	return b, nil
}

var bareValueRe = regexp.MustCompile(`: ([A-Za-z0-9_.-]+)([\s,\n])`)

func quoteBareValues(raw string) string {
	return bareValueRe.ReplaceAllStringFunc(raw, func(s string) string {
		m := bareValueRe.FindStringSubmatch(s)
		val, tail := m[1], m[2]
		if val == "true" || val == "false" || val == "null" {
			return s
		}
		if _, err := strconv.ParseFloat(val, 64); err == nil {
			return s
		}
		return `: "` + val + `"` + tail
	})
}

// headerMap flattens h for reports.
func headerMap(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
