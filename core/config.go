// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ManualConfigEntry names one manual to register at client start-up and
// the CallTemplate used to reach it.
type ManualConfigEntry struct {
	Name         string       `json:"name" yaml:"name"`
	CallTemplate CallTemplate `json:"call_template" yaml:"call_template"`
}

// ClientConfig is the on-disk shape of a UTCP client configuration file
// (spec.md §4.7 C7), parsed from either JSON or YAML depending on file
// extension, mirroring the teacher's JSON-first, YAML-for-humans split.
//
// ToolRepository, ToolSearchStrategy, and PostProcessors name Go
// collaborators rather than serializable data (spec.md §3's ClientConfig
// lists them alongside the fields below as startup-time choices); LoadConfig
// never populates them. Set them directly after loading, before calling
// NewClientFromConfig, to override the client's defaults.
type ClientConfig struct {
	ManualsToRegister []ManualConfigEntry `json:"manual_call_templates" yaml:"manual_call_templates"`
	Variables         map[string]string   `json:"variables" yaml:"variables"`
	DotenvFiles       []string            `json:"dotenv_files" yaml:"dotenv_files"`
	RootDir           string              `json:"-" yaml:"-"`

	ToolRepository     *ToolRepository    `json:"-" yaml:"-"`
	ToolSearchStrategy ToolSearchStrategy `json:"-" yaml:"-"`
	PostProcessors     []PostProcessor    `json:"-" yaml:"-"`
}

// LoadConfig reads and parses a client config file at path. YAML input
// (".yaml"/".yml") is first normalized to JSON so the same strict
// json.Unmarshal-based CallTemplate decoding handles both formats; any
// other extension is parsed as JSON directly.
func LoadConfig(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidConfigError{Reason: "reading config file", Err: err}
	}

	data := raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, &InvalidConfigError{Reason: "parsing YAML config", Err: err}
		}
		normalized, err := json.Marshal(yamlToJSON(generic))
		if err != nil {
			return nil, &InvalidConfigError{Reason: "normalizing YAML config", Err: err}
		}
		data = normalized
	}

	cfg := &ClientConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &InvalidConfigError{Reason: "parsing config", Err: err}
	}
	cfg.RootDir = filepath.Dir(path)
	return cfg, nil
}

// NewClientFromConfig performs the documented startup sequence (spec.md
// §2 Startup): it loads cfg.DotenvFiles into VariableLoaders, wires
// cfg.Variables, cfg.ToolRepository, cfg.ToolSearchStrategy, and
// cfg.PostProcessors into a new Client, then registers every preload
// manual in cfg.ManualsToRegister in order. Registration sanitizes each
// manual's name (RegisterManual); a transport-level discovery failure for
// one manual is logged and does not prevent the rest from registering,
// matching RegisterManualResult's non-fatal failure category. extraOpts
// apply after cfg's own options, so a caller can still override anything
// cfg configured.
func NewClientFromConfig(ctx context.Context, cfg *ClientConfig, extraOpts ...ClientOption) (*Client, error) {
	var loaders []VariableLoader
	for _, path := range cfg.DotenvFiles {
		p := path
		if cfg.RootDir != "" && !filepath.IsAbs(p) {
			p = filepath.Join(cfg.RootDir, p)
		}
		loader, err := LoadDotenv(p)
		if err != nil {
			return nil, err
		}
		loaders = append(loaders, loader)
	}

	opts := []ClientOption{WithConfigVariables(cfg.Variables), WithVariableLoaders(loaders...)}
	if cfg.ToolRepository != nil {
		opts = append(opts, WithRepository(cfg.ToolRepository))
	}
	if cfg.ToolSearchStrategy != nil {
		opts = append(opts, WithSearchStrategy(cfg.ToolSearchStrategy))
	}
	if len(cfg.PostProcessors) > 0 {
		opts = append(opts, WithPostProcessors(cfg.PostProcessors...))
	}
	opts = append(opts, extraOpts...)

	c, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}

	for _, entry := range cfg.ManualsToRegister {
		tmpl := entry.CallTemplate
		result, err := c.RegisterManual(ctx, entry.Name, &tmpl)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			c.logger.Warn("manual registration failed during startup",
				zap.String("manual", entry.Name), zap.Strings("errors", result.Errors))
		}
	}
	return c, nil
}

// yamlToJSON recursively converts the map[any]any nodes gopkg.in/yaml.v3
// produces (for YAML maps with non-string keys) into map[string]any so the
// result round-trips through encoding/json, which panics on non-string map
// keys.
func yamlToJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = yamlToJSON(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = yamlToJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = yamlToJSON(val)
		}
		return out
	default:
		return v
	}
}

// DotenvLoader is a VariableLoader backed by a KEY=VALUE file, the
// simplest form of the ".env" convention referenced by spec.md's
// VariableLoader examples. No third-party dotenv library is wired: none
// of the example pack's repositories depends on one, and
// the format is small enough that a faithful parser is a handful of lines
// of stdlib bufio/strings.
type DotenvLoader struct {
	values map[string]string
}

// LoadDotenv parses a KEY=VALUE file, one assignment per line. Blank lines
// and lines starting with "#" are ignored. Values may be wrapped in single
// or double quotes; no escape sequences or variable expansion are
// interpreted within a value.
func LoadDotenv(path string) (*DotenvLoader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InvalidConfigError{Reason: "reading dotenv file", Err: err}
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = unquote(val)
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, &InvalidConfigError{Reason: "reading dotenv file", Err: err}
	}
	return &DotenvLoader{values: values}, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Get implements VariableLoader.
func (d *DotenvLoader) Get(name string) (string, bool) {
	v, ok := d.values[name]
	return v, ok
}
