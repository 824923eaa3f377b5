// Package env loads environment files and resolves {{variable}} references
// against environment, runtime, request and override layers.
package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/bruci/internal/parser"
)

// ErrDuplicateVariable is returned when an environment declares a name twice.
var ErrDuplicateVariable = errors.New("duplicate variable")

// Var is a single environment variable.
type Var struct {
	Name    string
	Value   string
	Secret  bool
	Enabled bool
}

// Environment is an ordered, named set of variables.
type Environment struct {
	Name string
	Path string
	Vars []Var
}

// Lookup returns the raw value of an enabled variable.
func (e Environment) Lookup(name string) (string, bool) {
	for _, v := range e.Vars {
		if v.Enabled && v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// LoadFile parses an environment .bru file with a `vars {}` block and an
// optional `vars:secret [ … ]` list.
func LoadFile(ctx context.Context, path string) (Environment, error) {
	if err := ctx.Err(); err != nil {
		return Environment{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Environment{}, err
	}
	defer f.Close()
	blocks, err := parser.ReadBlocks(path, f)
	if err != nil {
		return Environment{}, err
	}

	base := filepath.Base(path)
	e := Environment{Name: strings.TrimSuffix(base, filepath.Ext(base)), Path: path}
	index := map[string]int{}
	for _, b := range blocks {
		switch b.Tag {
		case "vars":
			pairs, err := b.Pairs()
			if err != nil {
				return Environment{}, &parser.MalformedError{Path: path, Field: b.Tag, Err: err}
			}
			for _, p := range pairs {
				if _, dup := index[p.Name]; dup {
					return Environment{}, fmt.Errorf("%w %q in %s", ErrDuplicateVariable, p.Name, path)
				}
				index[p.Name] = len(e.Vars)
				e.Vars = append(e.Vars, Var{Name: p.Name, Value: p.Value, Enabled: p.Enabled})
			}
		case "vars:secret":
			for _, item := range b.Items() {
				if i, ok := index[item.Name]; ok {
					e.Vars[i].Secret = true
					continue
				}
				index[item.Name] = len(e.Vars)
				e.Vars = append(e.Vars, Var{Name: item.Name, Secret: true, Enabled: item.Enabled})
			}
		}
	}
	return e, nil
}
