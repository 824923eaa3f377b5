// Package config loads bruci settings from an optional bruci.yaml, BRUCI_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. BRUCI_TIMEOUT.
	EnvPrefix = "BRUCI"
	// FileName is the config file looked up in the working directory.
	FileName = "bruci"

	DefaultTimeout       = 30 * time.Second
	DefaultScriptTimeout = 5 * time.Second
)

// Config holds settings shared by the run and matrix commands.
type Config struct {
	Environment   string        `mapstructure:"env"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Delay         time.Duration `mapstructure:"delay"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	RPS           float64       `mapstructure:"rps"`
	OutputDir     string        `mapstructure:"output_dir"`
	Reporters     []string      `mapstructure:"reporters"`
	History       string        `mapstructure:"history"`
	MetricsFile   string        `mapstructure:"metrics_file"`
	Insecure      bool          `mapstructure:"insecure"`
	LogLevel      string        `mapstructure:"log_level"`
}

var defaults = map[string]any{
	"env":            "",
	"timeout":        DefaultTimeout,
	"delay":          time.Duration(0),
	"script_timeout": DefaultScriptTimeout,
	"concurrency":    0,
	"rps":            0.0,
	"output_dir":     "",
	"reporters":      []string{},
	"history":        "",
	"metrics_file":   "",
	"insecure":       false,
	"log_level":      "",
}

// flagNames maps config keys whose flag is not the dashed key.
var flagNames = map[string]string{
	"reporters": "format",
}

// Loader wraps a private viper instance so tests and commands never share
// global state.
type Loader struct {
	v *viper.Viper
}

// New returns a loader with defaults and BRUCI_* environment binding.
func New() *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlags lets explicitly set flags override file and environment values.
// Keys without a matching flag in fs are skipped.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for key := range defaults {
		name, ok := flagNames[key]
		if !ok {
			name = strings.ReplaceAll(key, "_", "-")
		}
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads path, or bruci.yaml from dir when path is empty. A missing
// default file is not an error; a missing explicit file is.
func (l *Loader) Load(path, dir string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(FileName)
		l.v.SetConfigType("yaml")
		if dir == "" {
			dir = "."
		}
		l.v.AddConfigPath(dir)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Reporters = splitList(cfg.Reporters)
	return cfg, nil
}

// ConfigFile returns the file that was read, empty when none was found.
func (l *Loader) ConfigFile() string { return l.v.ConfigFileUsed() }

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for part := range strings.SplitSeq(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
