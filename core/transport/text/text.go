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

// Package text implements the UTCP "text" CallTemplate kind: a flat local
// file read, either as a manual document at discovery time or as a data
// source a single "read" tool exposes. Trivial stdlib file I/O, matching
// the teacher's own plain os/json usage elsewhere in the pack.
package text

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// Transport implements core.Transport for the "text" kind.
type Transport struct {
	// RootDir, when set, is prepended to a relative FilePath, matching
	// config-file-relative path resolution (spec.md §4.7 root_dir).
	RootDir string
}

// New constructs a text transport rooted at rootDir (may be empty).
func New(rootDir string) *Transport { return &Transport{RootDir: rootDir} }

func (t *Transport) resolve(path string) string {
	if t.RootDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.RootDir, path)
}

// RegisterManual reads tmpl.Text.FilePath and parses it as a manual
// document.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.Text == nil {
		return nil, fmt.Errorf("text transport requires Text fields")
	}
	data, err := os.ReadFile(t.resolve(tmpl.Text.FilePath))
	if err != nil {
		return nil, err
	}
	var manual core.Manual
	if err := json.Unmarshal(data, &manual); err != nil {
		return nil, fmt.Errorf("decoding manual from %s: %w", tmpl.Text.FilePath, err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Name == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return &manual, nil
}

// DeregisterManual is a no-op: a file read holds no resources open.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool rereads the file and returns its raw contents as a string,
// uninterpreted (spec.md §4.5.8). A "write" arg, if present, overwrites
// the file with its value first.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.Text == nil {
		return nil, fmt.Errorf("text transport requires Text fields")
	}
	path := t.resolve(tmpl.Text.FilePath)

	if content, ok := args["write"]; ok {
		var data []byte
		switch v := content.(type) {
		case string:
			data = []byte(v)
		default:
			marshaled, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			data = marshaled
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CallToolStreaming falls back to the unary result: a file read has no
// incremental mode.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}
