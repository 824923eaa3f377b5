// Package collection discovers Bruno-style collection folders: the bruno.json
// manifest, named environments and the .bru request descriptors.
package collection

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	ManifestFile    = "bruno.json"
	EnvironmentsDir = "environments"
	SettingsFile    = "collection.bru"
	DotEnvFile      = ".env"
)

var (
	ErrNotACollection     = errors.New("not a collection")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

//go:embed manifest.schema.json
var manifestSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(manifestSchema)

// NotACollectionError names the directory and what is missing from it.
type NotACollectionError struct {
	Dir    string
	Reason string
}

func (e *NotACollectionError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Dir, ErrNotACollection, e.Reason)
}

func (e *NotACollectionError) Unwrap() error { return ErrNotACollection }

// Manifest mirrors bruno.json.
type Manifest struct {
	Version string   `json:"version"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Ignore  []string `json:"ignore,omitempty"`
	OpenAPI string   `json:"openapi,omitempty"`
}

// EnvironmentRef points at one environments/<name>.bru file.
type EnvironmentRef struct {
	Name string
	Path string
}

// Collection is a validated collection folder. Descriptors are paths only;
// contents are parsed by the runner.
type Collection struct {
	Name         string
	Dir          string
	Manifest     Manifest
	Environments []EnvironmentRef
	Descriptors  []string
	// Settings is the path of collection.bru, empty when absent.
	Settings string
	// DotEnv is the path of the collection .env file, empty when absent.
	DotEnv string
}

// EnvironmentPath resolves an environment name to its file.
func (c Collection) EnvironmentPath(name string) (string, error) {
	for _, e := range c.Environments {
		if e.Name == name {
			return e.Path, nil
		}
	}
	return "", fmt.Errorf("%w %q in collection %s", ErrUnknownEnvironment, name, c.Name)
}

// EnvironmentNames lists the environment names in order.
func (c Collection) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for _, e := range c.Environments {
		names = append(names, e.Name)
	}
	return names
}

// OpenAPIPath returns the absolute path of the manifest's OpenAPI document.
func (c Collection) OpenAPIPath() string {
	if c.Manifest.OpenAPI == "" {
		return ""
	}
	if filepath.IsAbs(c.Manifest.OpenAPI) {
		return c.Manifest.OpenAPI
	}
	return filepath.Join(c.Dir, c.Manifest.OpenAPI)
}

// Options tunes descriptor discovery.
type Options struct {
	// NonRecursive limits discovery to the collection root.
	NonRecursive bool
}

// Load validates dir as a collection and lists its environments and descriptors.
func Load(dir string, opts ...Options) (Collection, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Collection{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Collection{}, &NotACollectionError{Dir: abs, Reason: "directory does not exist"}
		}
		return Collection{}, err
	}
	if !info.IsDir() {
		return Collection{}, &NotACollectionError{Dir: abs, Reason: "not a directory"}
	}

	manifest, err := readManifest(abs)
	if err != nil {
		return Collection{}, err
	}
	envDir := filepath.Join(abs, EnvironmentsDir)
	if st, err := os.Stat(envDir); err != nil || !st.IsDir() {
		return Collection{}, &NotACollectionError{Dir: abs, Reason: "missing " + EnvironmentsDir + "/ directory"}
	}

	c := Collection{
		Name:     manifest.Name,
		Dir:      abs,
		Manifest: manifest,
	}
	if c.Name == "" {
		c.Name = filepath.Base(abs)
	}
	if c.Environments, err = listEnvironments(envDir); err != nil {
		return Collection{}, err
	}
	if c.Descriptors, err = discoverDescriptors(abs, manifest.Ignore, !o.NonRecursive); err != nil {
		return Collection{}, err
	}
	if fileExists(filepath.Join(abs, SettingsFile)) {
		c.Settings = filepath.Join(abs, SettingsFile)
	}
	if fileExists(filepath.Join(abs, DotEnvFile)) {
		c.DotEnv = filepath.Join(abs, DotEnvFile)
	}
	return c, nil
}

// IsCollection reports whether dir has the collection markers.
func IsCollection(dir string) bool {
	return fileExists(filepath.Join(dir, ManifestFile))
}

// Discover returns root itself when it is a collection; otherwise every valid
// collection among its immediate subdirectories. Invalid subdirectories are
// reported together in the error without affecting their siblings.
func Discover(root string) ([]Collection, error) {
	if IsCollection(root) {
		c, err := Load(root)
		if err != nil {
			return nil, err
		}
		return []Collection{c}, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var (
		out  []Collection
		errs []error
	)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "node_modules" {
			continue
		}
		c, err := Load(filepath.Join(root, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

func readManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, &NotACollectionError{Dir: dir, Reason: "missing " + ManifestFile}
		}
		return Manifest{}, err
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Manifest{}, &NotACollectionError{Dir: dir, Reason: fmt.Sprintf("invalid %s: %v", ManifestFile, err)}
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return Manifest{}, &NotACollectionError{Dir: dir, Reason: fmt.Sprintf("invalid %s: %s", ManifestFile, strings.Join(msgs, "; "))}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, &NotACollectionError{Dir: dir, Reason: fmt.Sprintf("invalid %s: %v", ManifestFile, err)}
	}
	return m, nil
}

func listEnvironments(envDir string) ([]EnvironmentRef, error) {
	entries, err := os.ReadDir(envDir)
	if err != nil {
		return nil, err
	}
	var refs []EnvironmentRef
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".bru") {
			continue
		}
		refs = append(refs, EnvironmentRef{
			Name: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path: filepath.Join(envDir, e.Name()),
		})
	}
	slices.SortFunc(refs, func(a, b EnvironmentRef) int { return strings.Compare(a.Name, b.Name) })
	return refs, nil
}

func discoverDescriptors(root string, ignore []string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if (strings.EqualFold(name, EnvironmentsDir) && filepath.Dir(path) == root) ||
				strings.HasPrefix(name, ".") || name == "node_modules" || ignored(rel, ignore) || !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".bru") || ignored(rel, ignore) {
			return nil
		}
		if rel == SettingsFile || d.Name() == "folder.bru" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func ignored(rel string, ignore []string) bool {
	for _, prefix := range ignore {
		prefix = strings.Trim(filepath.ToSlash(prefix), "/")
		if prefix == "" {
			continue
		}
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
