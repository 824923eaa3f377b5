package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var verbSet = map[string]struct{}{
	"get":     {},
	"post":    {},
	"put":     {},
	"patch":   {},
	"delete":  {},
	"options": {},
	"head":    {},
	"connect": {},
	"trace":   {},
}

// ErrMalformedDescriptor is matched by every error returned for unparsable .bru text.
var ErrMalformedDescriptor = errors.New("malformed descriptor")

// MalformedError names the block or key that could not be parsed.
type MalformedError struct {
	Path  string
	Field string
	Err   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed descriptor %s: %s: %v", e.Path, e.Field, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedDescriptor, e.Err}
}

// Descriptor is one parsed .bru request file.
type Descriptor struct {
	Path       string
	Meta       Meta
	Request    Request
	Assertions []AssertRule
	VarsPre    []Pair
	VarsPost   []Pair
	Scripts    Scripts
	Tests      string
	Docs       string
	// Extensions keeps blocks this parser does not interpret, in file order.
	Extensions []Block
}

// Meta stores the meta block of a descriptor.
type Meta struct {
	Name      string
	Type      string
	Seq       float64
	Tags      []string
	TimeoutMS int
	DelayMS   int
	Skip      bool
	Extra     []Pair
}

// Request models the verb block and the blocks that shape the HTTP request.
type Request struct {
	Method     string
	URL        string
	BodyMode   string
	AuthMode   string
	Query      []Pair
	PathParams []Pair
	Headers    []Pair
	Bodies     []Body
	Auths      []Auth
	Extra      []Pair
}

// Body is one body:<type> block. Form bodies carry Fields, the rest Raw text.
type Body struct {
	Type   string
	Raw    string
	Fields []Pair
}

// Auth is one auth:<mode> block.
type Auth struct {
	Mode   string
	Params []Pair
}

// Scripts holds the script hooks of a descriptor.
type Scripts struct {
	PreRequest   string
	PostResponse string
}

// AssertRule is one line of the assert block: `left: op right`.
type AssertRule struct {
	Left    string
	Op      string
	Right   string
	Enabled bool
}

// Pair is an ordered dictionary entry. Disabled entries are written with a ~ prefix.
type Pair struct {
	Name    string
	Value   string
	Enabled bool
}

// Name returns the meta name or, when missing, the file stem.
func (d Descriptor) Name() string {
	if d.Meta.Name != "" {
		return d.Meta.Name
	}
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// HasHooks reports whether the descriptor carries anything that can read or
// write run variables after the response.
func (d Descriptor) HasHooks() bool {
	return strings.TrimSpace(d.Scripts.PreRequest) != "" ||
		strings.TrimSpace(d.Scripts.PostResponse) != "" ||
		strings.TrimSpace(d.Tests) != "" ||
		len(Enabled(d.VarsPost)) > 0
}

var bodyModeAliases = map[string]string{
	"formurlencoded": "form-urlencoded",
	"multipartform":  "multipart-form",
}

// ActiveBody returns the body selected by the verb block.
func (r Request) ActiveBody() (Body, bool) {
	if strings.EqualFold(r.BodyMode, "none") || len(r.Bodies) == 0 {
		return Body{}, false
	}
	if r.BodyMode == "" {
		return r.Bodies[0], true
	}
	mode := r.BodyMode
	if alias, ok := bodyModeAliases[strings.ToLower(mode)]; ok {
		mode = alias
	}
	for _, b := range r.Bodies {
		if strings.EqualFold(b.Type, mode) {
			return b, true
		}
	}
	return Body{}, false
}

// ActiveAuth returns the auth block selected by the verb block. Mode "inherit"
// reports false so the caller falls back to collection auth.
func (r Request) ActiveAuth() (Auth, bool) {
	switch strings.ToLower(r.AuthMode) {
	case "none", "inherit":
		return Auth{}, false
	case "":
		if len(r.Auths) == 0 {
			return Auth{}, false
		}
		return r.Auths[0], true
	}
	for _, a := range r.Auths {
		if strings.EqualFold(a.Mode, r.AuthMode) {
			return a, true
		}
	}
	return Auth{}, false
}

// Enabled filters out disabled pairs.
func Enabled(pairs []Pair) []Pair {
	var out []Pair
	for _, p := range pairs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the first enabled value for name (case-insensitive).
func Lookup(pairs []Pair, name string) (string, bool) {
	for _, p := range pairs {
		if p.Enabled && strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// ParseFile reads and parses a single .bru request file.
func ParseFile(ctx context.Context, path string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()
	return Parse(path, f)
}

// Parse parses .bru text. It performs no I/O beyond reading r.
func Parse(path string, r io.Reader) (Descriptor, error) {
	return parse(path, r, true)
}

// ParseSettings parses a collection-level collection.bru, which has no verb block.
func ParseSettings(path string, r io.Reader) (Descriptor, error) {
	return parse(path, r, false)
}

func parse(path string, r io.Reader, requireRequest bool) (Descriptor, error) {
	blocks, err := ReadBlocks(path, r)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Path: path}
	for _, b := range blocks {
		if err := d.apply(b); err != nil {
			return Descriptor{}, err
		}
	}
	if requireRequest && d.Request.Method == "" {
		return Descriptor{}, &MalformedError{Path: path, Field: "request", Err: errors.New("missing verb block")}
	}
	return d, nil
}

func (d *Descriptor) apply(b Block) error {
	tag := strings.ToLower(b.Tag)
	malformed := func(field string, err error) error {
		return &MalformedError{Path: d.Path, Field: field, Err: err}
	}
	if _, ok := verbSet[tag]; ok {
		if d.Request.Method != "" {
			return malformed(tag, errors.New("more than one verb block"))
		}
		return d.applyVerb(tag, b)
	}
	switch {
	case tag == "meta":
		meta, err := parseMeta(b)
		if err != nil {
			return malformed(err.field, err.err)
		}
		d.Meta = meta
	case tag == "params:query" || tag == "query":
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.Request.Query = pairs
	case tag == "params:path":
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.Request.PathParams = pairs
	case tag == "headers":
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.Request.Headers = append(d.Request.Headers, pairs...)
	case strings.HasPrefix(tag, "auth:"):
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.Request.Auths = append(d.Request.Auths, Auth{Mode: tag[len("auth:"):], Params: pairs})
	case tag == "body" || strings.HasPrefix(tag, "body:"):
		bType := strings.TrimPrefix(strings.TrimPrefix(tag, "body"), ":")
		if bType == "" {
			bType = "json"
		}
		body := Body{Type: bType}
		if isFormBody(bType) {
			pairs, err := b.Pairs()
			if err != nil {
				return malformed(b.Tag, err)
			}
			body.Fields = pairs
		} else {
			body.Raw = b.Content
		}
		d.Request.Bodies = append(d.Request.Bodies, body)
	case tag == "vars:pre-request":
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.VarsPre = pairs
	case tag == "vars:post-response":
		pairs, err := b.Pairs()
		if err != nil {
			return malformed(b.Tag, err)
		}
		d.VarsPost = pairs
	case tag == "assert":
		rules, err := parseAssert(b)
		if err != nil {
			return malformed(err.field, err.err)
		}
		d.Assertions = rules
	case tag == "script:pre-request":
		d.Scripts.PreRequest = b.Content
	case tag == "script:post-response":
		d.Scripts.PostResponse = b.Content
	case tag == "tests":
		d.Tests = b.Content
	case tag == "docs":
		d.Docs = b.Content
	default:
		d.Extensions = append(d.Extensions, b)
	}
	return nil
}

func (d *Descriptor) applyVerb(verb string, b Block) error {
	pairs, err := b.Pairs()
	if err != nil {
		return &MalformedError{Path: d.Path, Field: verb, Err: err}
	}
	d.Request.Method = strings.ToUpper(verb)
	for _, p := range pairs {
		switch strings.ToLower(p.Name) {
		case "url":
			d.Request.URL = p.Value
		case "body":
			d.Request.BodyMode = p.Value
		case "auth":
			d.Request.AuthMode = p.Value
		default:
			d.Request.Extra = append(d.Request.Extra, p)
		}
	}
	if strings.TrimSpace(d.Request.URL) == "" {
		return &MalformedError{Path: d.Path, Field: verb + ".url", Err: errors.New("missing url")}
	}
	return nil
}

func isFormBody(bType string) bool {
	return bType == "form-urlencoded" || bType == "multipart-form"
}

type fieldError struct {
	field string
	err   error
}

func parseMeta(b Block) (Meta, *fieldError) {
	m := Meta{}
	lines := b.Lines()
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return Meta{}, &fieldError{field: "meta", err: fmt.Errorf("invalid entry %q", line)}
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSuffix(strings.TrimSpace(val), ",")
		switch key {
		case "name":
			m.Name = val
		case "type":
			m.Type = val
		case "seq":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Meta{}, &fieldError{field: "meta.seq", err: err}
			}
			m.Seq = f
		case "timeout":
			v, err := strconv.Atoi(val)
			if err != nil {
				return Meta{}, &fieldError{field: "meta.timeout", err: err}
			}
			m.TimeoutMS = v
		case "delay":
			v, err := strconv.Atoi(val)
			if err != nil {
				return Meta{}, &fieldError{field: "meta.delay", err: err}
			}
			m.DelayMS = v
		case "skip":
			m.Skip = strings.EqualFold(val, "true")
		case "tags":
			// tags: [a, b] or a multi-line list closed by ]
			if val == "[" {
				var items []string
				closed := false
				for i++; i < len(lines); i++ {
					item := strings.TrimSpace(lines[i])
					if item == "]" {
						closed = true
						break
					}
					items = append(items, item)
				}
				if !closed {
					return Meta{}, &fieldError{field: "meta.tags", err: errors.New("unterminated list")}
				}
				val = strings.Join(items, ",")
			}
			for t := range strings.SplitSeq(strings.Trim(val, "[] "), ",") {
				if t = strings.Trim(strings.TrimSpace(t), `"`); t != "" {
					m.Tags = append(m.Tags, t)
				}
			}
		default:
			m.Extra = append(m.Extra, Pair{Name: key, Value: val, Enabled: true})
		}
	}
	return m, nil
}

func parseAssert(b Block) ([]AssertRule, *fieldError) {
	pairs, err := b.Pairs()
	if err != nil {
		return nil, &fieldError{field: "assert", err: err}
	}
	var rules []AssertRule
	for _, p := range pairs {
		fields := strings.Fields(p.Value)
		if len(fields) == 0 {
			return nil, &fieldError{field: "assert." + p.Name, err: errors.New("missing operator")}
		}
		op := fields[0]
		right := strings.TrimSpace(strings.TrimPrefix(p.Value, op))
		rules = append(rules, AssertRule{Left: p.Name, Op: op, Right: right, Enabled: p.Enabled})
	}
	return rules, nil
}

// Block is one top-level `tag { … }` or `tag [ … ]` section of a .bru file.
type Block struct {
	Tag string
	// List is true for blocks opened with '['.
	List bool
	// Content is the block body with the two-space indentation removed and
	// leading/trailing blank lines dropped.
	Content string
}

// Lines splits the block content into lines.
func (b Block) Lines() []string {
	if b.Content == "" {
		return nil
	}
	return strings.Split(b.Content, "\n")
}

// Pairs parses dictionary content (`key: value`, `~key: value` when disabled).
func (b Block) Pairs() ([]Pair, error) {
	var pairs []Pair
	for _, l := range b.Lines() {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		enabled := true
		if after, ok := strings.CutPrefix(trimmed, "~"); ok {
			enabled = false
			trimmed = after
		}
		key, val, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, fmt.Errorf("invalid entry %q", trimmed)
		}
		key = strings.Trim(strings.TrimSpace(key), `"`)
		if key == "" {
			return nil, fmt.Errorf("empty key in %q", trimmed)
		}
		pairs = append(pairs, Pair{Name: key, Value: strings.TrimSpace(val), Enabled: enabled})
	}
	return pairs, nil
}

// Items parses list content; entries may be separated by newlines or commas.
func (b Block) Items() []Pair {
	var items []Pair
	for _, l := range b.Lines() {
		for part := range strings.SplitSeq(l, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, "//") {
				continue
			}
			enabled := true
			if after, ok := strings.CutPrefix(part, "~"); ok {
				enabled = false
				part = after
			}
			items = append(items, Pair{Name: part, Enabled: enabled})
		}
	}
	return items
}

// ReadBlocks splits .bru text into its top-level blocks.
func ReadBlocks(path string, r io.Reader) ([]Block, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var blocks []Block
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		open := strings.IndexAny(trimmed, "{[")
		if open <= 0 {
			return nil, &MalformedError{Path: path, Field: fmt.Sprintf("line %d", i+1), Err: fmt.Errorf("expected block, got %q", trimmed)}
		}
		tag := strings.TrimSpace(trimmed[:open])
		list := trimmed[open] == '['
		if strings.ContainsAny(tag, " \t") {
			return nil, &MalformedError{Path: path, Field: fmt.Sprintf("line %d", i+1), Err: fmt.Errorf("invalid block name %q", tag)}
		}

		// single-line block: get { url: https://example.com }
		if content, end, ok := findBalancedAt(trimmed, open); ok {
			if rest := strings.TrimSpace(trimmed[end+1:]); rest != "" {
				return nil, &MalformedError{Path: path, Field: tag, Err: fmt.Errorf("unexpected trailing text %q", rest)}
			}
			blocks = append(blocks, Block{Tag: tag, List: list, Content: strings.TrimSpace(content)})
			continue
		}
		if strings.TrimSpace(trimmed[open+1:]) != "" {
			return nil, &MalformedError{Path: path, Field: tag, Err: errors.New("unbalanced braces")}
		}

		closer := "}"
		if list {
			closer = "]"
		}
		var body []string
		closed := false
		for i++; i < len(lines); i++ {
			if strings.TrimRight(lines[i], " \t") == closer {
				closed = true
				break
			}
			body = append(body, dedent(lines[i]))
		}
		if !closed {
			return nil, &MalformedError{Path: path, Field: tag, Err: errors.New("unterminated block")}
		}
		blocks = append(blocks, Block{Tag: tag, List: list, Content: joinTrimmed(body)})
	}
	return blocks, nil
}

func dedent(line string) string {
	for range 2 {
		if !strings.HasPrefix(line, " ") {
			break
		}
		line = line[1:]
	}
	return line
}

func joinTrimmed(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// findBalancedAt returns the content between the bracket at start and its
// matching closing bracket.
func findBalancedAt(s string, start int) (content string, end int, ok bool) {
	openCh := s[start]
	closeCh := byte('}')
	if openCh == '[' {
		closeCh = ']'
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[start+1 : i], i, true
			}
		}
	}
	return "", -1, false
}
