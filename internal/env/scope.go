package env

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxDepth bounds nested variable expansion.
const MaxDepth = 10

// Warning codes recorded by a Scope.
const (
	WarnMissingEnvVar      = "MISSING_ENV_VAR"
	WarnUnresolvedVariable = "UNRESOLVED_VARIABLE"
)

var (
	ErrCyclicVariableReference = errors.New("cyclic variable reference")
	ErrUnresolvedVariable      = errors.New("unresolved variable")
)

// VarPattern matches {{name}} tokens.
var VarPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// CycleError carries the chain of names that exceeded MaxDepth or looped.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicVariableReference, strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicVariableReference }

// UnresolvedError lists the names a strict expansion could not resolve.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnresolvedVariable, strings.Join(e.Names, ", "))
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedVariable }

// Warning is a non-fatal resolution event.
type Warning struct {
	Code    string
	Message string
}

type warnings struct {
	mu    sync.Mutex
	seen  map[Warning]struct{}
	order []Warning
}

func (w *warnings) add(code, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := Warning{Code: code, Message: msg}
	if _, ok := w.seen[key]; ok {
		return
	}
	if w.seen == nil {
		w.seen = map[Warning]struct{}{}
	}
	w.seen[key] = struct{}{}
	w.order = append(w.order, key)
}

func (w *warnings) list() []Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.order)
}

type runState struct {
	mu        sync.RWMutex
	envName   string
	env       map[string]string
	runtime   map[string]string
	overrides map[string]string
	secrets   map[string]struct{}
	proc      ProcessEnv
	warns     *warnings
}

// Scope resolves variables. The run scope holds environment, runtime and
// override layers; Child scopes add a request-local layer that never leaks
// into the parent.
type Scope struct {
	run    *runState
	parent *Scope
	mu     sync.RWMutex
	local  map[string]string
}

// Resolve builds the run scope for env. Every enabled variable and override
// is expanded once to reject reference cycles up front.
func Resolve(e Environment, proc ProcessEnv, overrides map[string]string) (*Scope, error) {
	if proc == nil {
		proc = MapEnv{}
	}
	st := &runState{
		envName:   e.Name,
		env:       map[string]string{},
		runtime:   map[string]string{},
		overrides: map[string]string{},
		secrets:   map[string]struct{}{},
		proc:      proc,
		warns:     &warnings{},
	}
	for _, v := range e.Vars {
		if !v.Enabled {
			continue
		}
		st.env[v.Name] = v.Value
		if v.Secret {
			st.secrets[v.Name] = struct{}{}
		}
	}
	maps.Copy(st.overrides, overrides)
	s := &Scope{run: st}

	// validation pass; unresolved names may still be set at runtime
	check := &Scope{run: &runState{
		env:       st.env,
		runtime:   map[string]string{},
		overrides: st.overrides,
		proc:      MapEnv{},
		warns:     &warnings{},
	}}
	for _, v := range e.Vars {
		if !v.Enabled {
			continue
		}
		if _, err := check.expand(v.Value, []string{v.Name}, false, nil); err != nil {
			return nil, err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(st.overrides)) {
		if _, err := check.expand(st.overrides[name], []string{name}, false, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnvironmentName returns the name of the environment the scope was built from.
func (s *Scope) EnvironmentName() string { return s.run.envName }

// Child returns a request-local scope layered over s.
func (s *Scope) Child() *Scope {
	return &Scope{run: s.run, parent: s, local: map[string]string{}}
}

// Root returns the run scope.
func (s *Scope) Root() *Scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

// Snapshot copies the run layers into an independent run scope sharing only
// the warning sink.
func (s *Scope) Snapshot() *Scope {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	st := &runState{
		envName:   s.run.envName,
		env:       maps.Clone(s.run.env),
		runtime:   maps.Clone(s.run.runtime),
		overrides: maps.Clone(s.run.overrides),
		secrets:   s.run.secrets,
		proc:      s.run.proc,
		warns:     s.run.warns,
	}
	return &Scope{run: st}
}

// Set stores a value. On the run scope it becomes a runtime variable; on a
// child it stays request-local.
func (s *Scope) Set(name, value string) {
	if s.parent == nil {
		s.run.mu.Lock()
		s.run.runtime[name] = value
		s.run.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.local[name] = value
	s.mu.Unlock()
}

// SetEnv replaces an environment variable for the rest of the run.
func (s *Scope) SetEnv(name, value string) {
	s.run.mu.Lock()
	s.run.env[name] = value
	s.run.mu.Unlock()
}

// Get returns the raw value visible from s.
func (s *Scope) Get(name string) (string, bool) {
	s.run.mu.RLock()
	if v, ok := s.run.overrides[name]; ok {
		s.run.mu.RUnlock()
		return v, true
	}
	s.run.mu.RUnlock()
	for cur := s; cur.parent != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.local[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	if v, ok := s.run.runtime[name]; ok {
		return v, true
	}
	v, ok := s.run.env[name]
	return v, ok
}

// GetEnv returns an environment-layer value.
func (s *Scope) GetEnv(name string) (string, bool) {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	v, ok := s.run.env[name]
	return v, ok
}

// LookupProcessEnv reads the injected process environment.
func (s *Scope) LookupProcessEnv(name string) (string, bool) {
	return s.run.proc.LookupEnv(name)
}

// Warn records a de-duplicated warning.
func (s *Scope) Warn(code, msg string) { s.run.warns.add(code, msg) }

// Warnings returns the warnings recorded so far, in first-seen order.
func (s *Scope) Warnings() []Warning { return s.run.warns.list() }

// Expand substitutes tokens in in. Unknown names become "" with a warning.
func (s *Scope) Expand(in string) (string, error) {
	return s.expand(in, nil, false, nil)
}

// ExpandStrict substitutes tokens in in and fails on unknown names.
func (s *Scope) ExpandStrict(in string) (string, error) {
	var missing []string
	out, err := s.expand(in, nil, true, &missing)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", &UnresolvedError{Names: missing}
	}
	return out, nil
}

// Redact masks the values of secret environment variables in text.
func (s *Scope) Redact(text string) string {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	for name := range s.run.secrets {
		if v := s.run.env[name]; v != "" {
			text = strings.ReplaceAll(text, v, "***")
		}
	}
	return text
}

func (s *Scope) expand(in string, chain []string, strict bool, missing *[]string) (string, error) {
	if !strings.Contains(in, "{{") {
		return in, nil
	}
	var firstErr error
	out := VarPattern.ReplaceAllStringFunc(in, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := VarPattern.FindStringSubmatch(match)[1]
		if key, ok := strings.CutPrefix(name, "process.env."); ok {
			if v, ok := s.run.proc.LookupEnv(key); ok {
				return v
			}
			s.Warn(WarnMissingEnvVar, "process.env."+key+" is not set")
			return ""
		}
		if strings.HasPrefix(name, "$") {
			if v, ok := dynamicValue(name); ok {
				return v
			}
		} else if raw, ok := s.Get(name); ok {
			if slices.Contains(chain, name) || len(chain) >= MaxDepth {
				firstErr = &CycleError{Chain: append(slices.Clone(chain), name)}
				return match
			}
			v, err := s.expand(raw, append(slices.Clone(chain), name), strict, missing)
			if err != nil {
				firstErr = err
				return match
			}
			return v
		}
		if strict && missing != nil {
			if !slices.Contains(*missing, name) {
				*missing = append(*missing, name)
			}
			return match
		}
		s.Warn(WarnUnresolvedVariable, name+" is not defined")
		return ""
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func dynamicValue(name string) (string, bool) {
	switch name {
	case "$guid", "$randomUUID":
		return uuid.NewString(), true
	case "$timestamp":
		return strconv.FormatInt(time.Now().Unix(), 10), true
	case "$isoTimestamp":
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), true
	case "$randomInt":
		return strconv.Itoa(rand.IntN(1000)), true
	}
	return "", false
}
