package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "prod.bru", `vars {
  baseUrl: https://catfact.ninja
  ~legacy: http://old
  token: abc
}

vars:secret [
  token,
  apiKey
]
`)
	e, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "prod", e.Name)
	require.Len(t, e.Vars, 4)
	assert.Equal(t, Var{Name: "baseUrl", Value: "https://catfact.ninja", Enabled: true}, e.Vars[0])
	assert.False(t, e.Vars[1].Enabled)
	assert.True(t, e.Vars[2].Secret)
	assert.Equal(t, "apiKey", e.Vars[3].Name)
	assert.True(t, e.Vars[3].Secret)

	_, ok := e.Lookup("legacy")
	assert.False(t, ok, "disabled vars are not visible")
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dup.bru", "vars {\n  a: 1\n  a: 2\n}\n")
	_, err := LoadFile(context.Background(), path)
	require.ErrorIs(t, err, ErrDuplicateVariable)
}

func TestResolveNested(t *testing.T) {
	e := Environment{Name: "prod", Vars: []Var{
		{Name: "host", Value: "catfact.ninja", Enabled: true},
		{Name: "baseUrl", Value: "https://{{host}}", Enabled: true},
		{Name: "factUrl", Value: "{{baseUrl}}/fact", Enabled: true},
	}}
	s, err := Resolve(e, nil, nil)
	require.NoError(t, err)
	out, err := s.ExpandStrict("{{factUrl}}?max_length=10")
	require.NoError(t, err)
	assert.Equal(t, "https://catfact.ninja/fact?max_length=10", out)
	assert.Equal(t, "prod", s.EnvironmentName())
}

func TestResolveCycle(t *testing.T) {
	e := Environment{Vars: []Var{
		{Name: "a", Value: "{{b}}", Enabled: true},
		{Name: "b", Value: "{{a}}", Enabled: true},
	}}
	_, err := Resolve(e, nil, nil)
	require.ErrorIs(t, err, ErrCyclicVariableReference)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Chain)
}

func TestResolveOverrideCycle(t *testing.T) {
	e := Environment{Vars: []Var{{Name: "host", Value: "localhost", Enabled: true}}}
	_, err := Resolve(e, nil, map[string]string{"loop": "{{loop}}"})
	require.ErrorIs(t, err, ErrCyclicVariableReference)

	_, err = Resolve(e, nil, map[string]string{"a": "{{b}}", "b": "{{a}}"})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Chain)

	_, err = Resolve(e, nil, map[string]string{"url": "http://{{host}}"})
	require.NoError(t, err)
}

func TestResolveDepthLimit(t *testing.T) {
	var vars []Var
	for i := 0; i <= MaxDepth; i++ {
		vars = append(vars, Var{Name: fmt.Sprintf("v%d", i), Value: fmt.Sprintf("{{v%d}}", i+1), Enabled: true})
	}
	vars = append(vars, Var{Name: fmt.Sprintf("v%d", MaxDepth+1), Value: "end", Enabled: true})
	_, err := Resolve(Environment{Vars: vars}, nil, nil)
	require.ErrorIs(t, err, ErrCyclicVariableReference)

	short := []Var{
		{Name: "a", Value: "{{b}}", Enabled: true},
		{Name: "b", Value: "{{c}}", Enabled: true},
		{Name: "c", Value: "end", Enabled: true},
	}
	_, err = Resolve(Environment{Vars: short}, nil, nil)
	require.NoError(t, err)
}

func TestPrecedence(t *testing.T) {
	e := Environment{Vars: []Var{{Name: "id", Value: "env", Enabled: true}}}
	s, err := Resolve(e, nil, nil)
	require.NoError(t, err)

	v, _ := s.Get("id")
	assert.Equal(t, "env", v)

	s.Set("id", "runtime")
	v, _ = s.Get("id")
	assert.Equal(t, "runtime", v)

	child := s.Child()
	child.Set("id", "request")
	v, _ = child.Get("id")
	assert.Equal(t, "request", v)
	v, _ = s.Get("id")
	assert.Equal(t, "runtime", v, "child values must not leak into the run scope")

	withOverride, err := Resolve(e, nil, map[string]string{"id": "cli"})
	require.NoError(t, err)
	c := withOverride.Child()
	c.Set("id", "request")
	withOverride.Set("id", "runtime")
	v, _ = c.Get("id")
	assert.Equal(t, "cli", v)
	assert.Same(t, withOverride, c.Root())
}

func TestProcessEnvAndWarnings(t *testing.T) {
	s, err := Resolve(Environment{}, MapEnv{"TOKEN": "t0k"}, nil)
	require.NoError(t, err)

	out, err := s.Expand("Bearer {{process.env.TOKEN}}")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0k", out)

	out, err = s.Expand("[{{process.env.NOPE}}][{{ghost}}][{{process.env.NOPE}}]")
	require.NoError(t, err)
	assert.Equal(t, "[][][]", out)

	w := s.Warnings()
	require.Len(t, w, 2)
	assert.Equal(t, WarnMissingEnvVar, w[0].Code)
	assert.Equal(t, WarnUnresolvedVariable, w[1].Code)
}

func TestExpandStrictUnresolved(t *testing.T) {
	s, err := Resolve(Environment{}, nil, nil)
	require.NoError(t, err)
	_, err = s.ExpandStrict("{{baseUrl}}/fact")
	require.ErrorIs(t, err, ErrUnresolvedVariable)
	var ue *UnresolvedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"baseUrl"}, ue.Names)
}

func TestRuntimeSelfReference(t *testing.T) {
	s, err := Resolve(Environment{}, nil, nil)
	require.NoError(t, err)
	s.Set("loop", "x{{loop}}")
	_, err = s.Expand("{{loop}}")
	require.ErrorIs(t, err, ErrCyclicVariableReference)
}

func TestDynamicVariables(t *testing.T) {
	s, err := Resolve(Environment{}, nil, nil)
	require.NoError(t, err)
	out, err := s.ExpandStrict("{{$guid}}")
	require.NoError(t, err)
	assert.Len(t, out, 36)
	out, err = s.ExpandStrict("{{$isoTimestamp}}")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "Z"))
	_, err = s.ExpandStrict("{{$nope}}")
	require.ErrorIs(t, err, ErrUnresolvedVariable)
}

func TestRedactAndSnapshot(t *testing.T) {
	e := Environment{Vars: []Var{{Name: "token", Value: "s3cret", Secret: true, Enabled: true}}}
	s, err := Resolve(e, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer ***", s.Redact("Bearer s3cret"))

	snap := s.Snapshot()
	snap.Set("x", "1")
	_, ok := s.Get("x")
	assert.False(t, ok)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".env", "API_KEY=\"abc\"\n# comment\nREGION=eu\n")
	m, err := LoadDotEnv(path)
	require.NoError(t, err)
	v, ok := m.LookupEnv("API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	layered := Layered(MapEnv{"REGION": "us"}, m)
	v, _ = layered.LookupEnv("REGION")
	assert.Equal(t, "us", v)
	v, _ = layered.LookupEnv("API_KEY")
	assert.Equal(t, "abc", v)
}
