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

// Package cli implements the UTCP "cli" CallTemplate kind: a local
// subprocess invocation, optionally a multi-step script where each step's
// stdout is exposed to the next as CMD_<i>_OUTPUT (SPEC_FULL.md §3,
// supplemented from original_source/cli_communication_protocol.py). The
// pack carries no shlex-style POSIX-splitting library, so splitting is
// hand-rolled; subprocess plumbing otherwise follows
// mihaisavezi-claude-code-open's os/exec + bufio usage in its provider
// packages. Discovery output is decoded with core.ParseManualOutput,
// which accepts a whole-output manual document, a bare tool or tool list,
// or line-scanned embedded JSON objects, and rewrites legacy
// tool_provider entries to tool_call_template (spec.md §4.5.5).
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// DiscoveryTimeout bounds the discovery command's execution.
const DiscoveryTimeout = 30 * time.Second

// CallTimeout bounds a tool-call command's execution.
const CallTimeout = 60 * time.Second

// argPlaceholder wraps an argument name the way the command string marks
// a substitution point: UTCP_ARG_<name>_UTCP_END.
func argPlaceholder(name string) string {
	return "UTCP_ARG_" + name + "_UTCP_END"
}

// Transport implements core.Transport for the "cli" kind.
type Transport struct{}

// New constructs a CLI transport.
func New() *Transport { return &Transport{} }

// RegisterManual runs the template's command(s) with no argument
// substitution and parses stdout as a manual document (SPEC_FULL.md
// §4.5.5, scenario S4).
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.CLI == nil {
		return nil, fmt.Errorf("cli transport requires CLI fields")
	}
	out, err := t.runScript(ctx, DiscoveryTimeout, tmpl, nil)
	if err != nil {
		return nil, err
	}
	manual, err := core.ParseManualOutput([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("decoding manual from CLI output: %w", err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Kind == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return manual, nil
}

// DeregisterManual is a no-op: the CLI transport holds no persistent
// subprocess state between calls.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool runs the template's command script with args substituted into
// each step's UTCP_ARG_<name>_UTCP_END placeholders and returns the
// concatenated stdout of every step whose AppendToFinalOutput is true (or
// unset).
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.CLI == nil {
		return nil, fmt.Errorf("cli transport requires CLI fields")
	}
	out, err := t.runScript(ctx, CallTimeout, tmpl, args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(out), &v); err == nil {
		return v, nil
	}
	return out, nil
}

// CallToolStreaming falls back to the unary result: a subprocess's stdout
// is captured whole, not incrementally (spec.md §4.5 streaming/unary
// fallback).
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}

// runScript executes every command in tmpl.CLI.Commands (or the single
// legacy CommandName if Commands is empty) in order, substituting
// UTCP_ARG_<name>_UTCP_END placeholders from args and exposing each
// step's stdout to the next as CMD_<i>_OUTPUT. It returns the
// concatenation of every step's stdout whose AppendToFinalOutput is true
// or unset (the default).
func (t *Transport) runScript(ctx context.Context, timeout time.Duration, tmpl *core.CallTemplate, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f := tmpl.CLI
	commands := f.Commands
	if len(commands) == 0 && f.CommandName != "" {
		commands = []core.CLICommand{{Command: f.CommandName}}
	}
	if len(commands) == 0 {
		return "", fmt.Errorf("cli call template %q has no commands", tmpl.Name)
	}

	stepOutputs := make(map[string]string, len(commands))
	var finalParts []string

	for i, step := range commands {
		rendered := substituteArgs(step.Command, args)
		parts, err := splitCommand(rendered)
		if err != nil {
			return "", fmt.Errorf("parsing command %d: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = f.WorkingDir
		cmd.Env = buildEnv(f.EnvVars, stepOutputs)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("command %d (%s) failed: %w: %s", i, parts[0], err, stderr.String())
		}

		out := strings.TrimRight(stdout.String(), "\n")
		stepOutputs[fmt.Sprintf("CMD_%d_OUTPUT", i)] = out
		if step.AppendToFinalOutput == nil || *step.AppendToFinalOutput {
			finalParts = append(finalParts, out)
		}
	}

	return strings.Join(finalParts, "\n"), nil
}

func substituteArgs(command string, args map[string]any) string {
	for name, v := range args {
		command = strings.ReplaceAll(command, argPlaceholder(name), fmt.Sprintf("%v", v))
	}
	return command
}

// buildEnv merges the process environment with the template's env_vars
// and, for a multi-step script, the prior steps' CMD_<i>_OUTPUT values
// (spec.md §4.5.5: "env is process env merged with template env_vars").
func buildEnv(envVars map[string]string, stepOutputs map[string]string) []string {
	env := append([]string(nil), os.Environ()...)
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	for k, v := range stepOutputs {
		env = append(env, k+"="+v)
	}
	return env
}

// splitCommand performs POSIX-style word splitting: whitespace-separated
// tokens, with single or double quotes grouping a token containing
// whitespace. No other shell semantics (pipes, globs, expansion) are
// interpreted, matching spec.md's CLI transport treating the command as
// argv, not a shell line.
func splitCommand(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	hasToken := false

	flush := func() {
		if hasToken {
			parts = append(parts, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle = true
			hasToken = true
		case c == '"':
			inDouble = true
			hasToken = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
			hasToken = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command: %s", s)
	}
	flush()
	return parts, nil
}
