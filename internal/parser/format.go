package parser

import (
	"bytes"
	"strconv"
	"strings"
)

// Format serializes a descriptor back to .bru text in canonical block order.
// Parsing the output yields a descriptor equal to d.
func Format(d Descriptor) []byte {
	var buf bytes.Buffer
	w := &blockWriter{buf: &buf}

	w.dict("meta", metaPairs(d.Meta))

	if d.Request.Method != "" {
		verb := []Pair{{Name: "url", Value: d.Request.URL, Enabled: true}}
		if d.Request.BodyMode != "" {
			verb = append(verb, Pair{Name: "body", Value: d.Request.BodyMode, Enabled: true})
		}
		if d.Request.AuthMode != "" {
			verb = append(verb, Pair{Name: "auth", Value: d.Request.AuthMode, Enabled: true})
		}
		verb = append(verb, d.Request.Extra...)
		w.dictAlways(strings.ToLower(d.Request.Method), verb)
	}

	w.dict("params:query", d.Request.Query)
	w.dict("params:path", d.Request.PathParams)
	w.dict("headers", d.Request.Headers)
	for _, a := range d.Request.Auths {
		w.dictAlways("auth:"+a.Mode, a.Params)
	}
	for _, b := range d.Request.Bodies {
		tag := "body:" + b.Type
		if isFormBody(b.Type) {
			w.dictAlways(tag, b.Fields)
		} else {
			w.text(tag, b.Raw, true)
		}
	}
	w.dict("vars:pre-request", d.VarsPre)
	w.dict("vars:post-response", d.VarsPost)

	if len(d.Assertions) > 0 {
		rules := make([]Pair, 0, len(d.Assertions))
		for _, a := range d.Assertions {
			val := a.Op
			if a.Right != "" {
				val += " " + a.Right
			}
			rules = append(rules, Pair{Name: a.Left, Value: val, Enabled: a.Enabled})
		}
		w.dict("assert", rules)
	}

	w.text("script:pre-request", d.Scripts.PreRequest, false)
	w.text("script:post-response", d.Scripts.PostResponse, false)
	w.text("tests", d.Tests, false)
	w.text("docs", d.Docs, false)

	for _, ext := range d.Extensions {
		w.open(ext.Tag, ext.List)
		w.content(ext.Content)
		w.close(ext.List)
	}
	return buf.Bytes()
}

func metaPairs(m Meta) []Pair {
	var out []Pair
	add := func(name, value string) {
		out = append(out, Pair{Name: name, Value: value, Enabled: true})
	}
	if m.Name != "" {
		add("name", m.Name)
	}
	if m.Type != "" {
		add("type", m.Type)
	}
	if m.Seq != 0 {
		add("seq", strconv.FormatFloat(m.Seq, 'f', -1, 64))
	}
	if len(m.Tags) > 0 {
		add("tags", "["+strings.Join(m.Tags, ", ")+"]")
	}
	if m.TimeoutMS != 0 {
		add("timeout", strconv.Itoa(m.TimeoutMS))
	}
	if m.DelayMS != 0 {
		add("delay", strconv.Itoa(m.DelayMS))
	}
	if m.Skip {
		add("skip", "true")
	}
	return append(out, m.Extra...)
}

type blockWriter struct {
	buf     *bytes.Buffer
	written bool
}

func (w *blockWriter) open(tag string, list bool) {
	if w.written {
		w.buf.WriteByte('\n')
	}
	w.written = true
	w.buf.WriteString(tag)
	if list {
		w.buf.WriteString(" [\n")
		return
	}
	w.buf.WriteString(" {\n")
}

func (w *blockWriter) close(list bool) {
	if list {
		w.buf.WriteString("]\n")
		return
	}
	w.buf.WriteString("}\n")
}

func (w *blockWriter) content(s string) {
	if s == "" {
		return
	}
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			w.buf.WriteString("  ")
			w.buf.WriteString(line)
		}
		w.buf.WriteByte('\n')
	}
}

func (w *blockWriter) dict(tag string, pairs []Pair) {
	if len(pairs) == 0 {
		return
	}
	w.dictAlways(tag, pairs)
}

func (w *blockWriter) dictAlways(tag string, pairs []Pair) {
	w.open(tag, false)
	for _, p := range pairs {
		w.buf.WriteString("  ")
		if !p.Enabled {
			w.buf.WriteByte('~')
		}
		w.buf.WriteString(p.Name)
		w.buf.WriteString(":")
		if p.Value != "" {
			w.buf.WriteByte(' ')
			w.buf.WriteString(p.Value)
		}
		w.buf.WriteByte('\n')
	}
	w.close(false)
}

func (w *blockWriter) text(tag, body string, always bool) {
	if body == "" && !always {
		return
	}
	w.open(tag, false)
	w.content(body)
	w.close(false)
}
