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
	"context"

	"go.uber.org/zap"
)

// Client is the UTCP client core (spec.md §4.6): it owns the tool
// repository, resolves variables and auth, and routes every register/call
// operation to the Transport registered for a CallTemplate's kind.
// Generalizes the teacher's ToolboxClient (core/client.go), which holds
// exactly one transport and one server's manifest, into a router over N
// transports and M registered manuals.
type Client struct {
	repo           *ToolRepository
	auth           *AuthApplier
	search         ToolSearchStrategy
	logger         *zap.Logger
	configVars     map[string]string
	loaders        []VariableLoader
	transports     map[CallTemplateKind]Transport
	postProcessors []PostProcessor
}

// ClientOption configures a Client at construction time, mirroring the
// teacher's functional-option style in options.go.
type ClientOption func(*Client)

// WithConfigVariables supplies the client's highest-precedence variable
// source (spec.md §4.1 resolution order).
func WithConfigVariables(vars map[string]string) ClientOption {
	return func(c *Client) { c.configVars = vars }
}

// WithVariableLoaders appends VariableLoaders consulted after config
// variables and before the process environment.
func WithVariableLoaders(loaders ...VariableLoader) ClientOption {
	return func(c *Client) { c.loaders = append(c.loaders, loaders...) }
}

// WithTransport registers the Transport implementation used for kind. A
// Client with no transport registered for a kind it is asked to use
// returns UnsupportedOperationError at register/call time.
func WithTransport(kind CallTemplateKind, t Transport) ClientOption {
	return func(c *Client) { c.transports[kind] = t }
}

// WithSearchStrategy overrides the default tag/keyword tool search.
func WithSearchStrategy(s ToolSearchStrategy) ClientOption {
	return func(c *Client) { c.search = s }
}

// WithRepository overrides the default in-memory ToolRepository.
func WithRepository(repo *ToolRepository) ClientOption {
	return func(c *Client) { c.repo = repo }
}

// WithPostProcessors appends hooks run, in order, over every CallTool
// result before it is returned to the caller.
func WithPostProcessors(pp ...PostProcessor) ClientOption {
	return func(c *Client) { c.postProcessors = append(c.postProcessors, pp...) }
}

// WithLogger attaches a zap logger; the default is a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client with no transports registered; callers
// register the transport kinds they need with WithTransport, typically one
// per core/transport/<kind> package their manuals actually use.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		repo:       NewToolRepository(),
		auth:       NewAuthApplier(),
		search:     TagKeywordSearch{},
		logger:     zap.NewNop(),
		transports: make(map[CallTemplateKind]Transport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) substitutor() *Substitutor {
	return NewSubstitutor(c.configVars, c.loaders...)
}

func (c *Client) transportFor(kind CallTemplateKind) (Transport, error) {
	t, ok := c.transports[kind]
	if !ok {
		return nil, &UnsupportedOperationError{Operation: "transport", Kind: kind}
	}
	return t, nil
}

// RegisterManual sanitizes name, substitutes tmpl's variables, discovers
// its tools through the matching Transport, and stores the result under
// the sanitized name. Sanitizing before the duplicate check and before
// qualifying tool names ensures "api.v1" and "api_v1" collide as the same
// manual rather than registering side by side. A transport failure is
// reported inside RegisterManualResult.Errors rather than returned as an
// error, matching spec.md §7's non-fatal TransportRegistrationFailure
// category.
func (c *Client) RegisterManual(ctx context.Context, name string, tmpl *CallTemplate) (*RegisterManualResult, error) {
	if name == "" {
		return nil, &InvalidConfigError{Reason: "manual name must not be empty"}
	}
	name = SanitizeName(name)
	if _, err := c.repo.GetManual(name); err == nil {
		return nil, &ManualAlreadyRegisteredError{Name: name}
	}

	result := &RegisterManualResult{ManualCallTemplate: *tmpl}

	substituted, err := c.substitutor().SubstituteCallTemplate(tmpl, name)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	t, err := c.transportFor(substituted.Kind)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	manual, err := t.RegisterManual(ctx, substituted)
	if err != nil {
		result.Errors = append(result.Errors, (&TransportRegistrationFailureError{Kind: substituted.Kind, Err: err}).Error())
		return result, nil
	}

	// Each discovered tool may carry its own call template (e.g. one path
	// per OpenAPI operation); substitute those too so CallTool never has
	// to re-resolve variables against a template it wasn't given a
	// manual-name context for.
	allowed := substituted.AllowedProtocols()
	kept := manual.Tools[:0]
	for i := range manual.Tools {
		resolvedToolTmpl, err := c.substitutor().SubstituteCallTemplate(&manual.Tools[i].ToolCallTemplate, name)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, nil
		}
		if _, ok := allowed[resolvedToolTmpl.Kind]; !ok {
			continue
		}
		manual.Tools[i].ToolCallTemplate = *resolvedToolTmpl
		manual.Tools[i].Name = name + "." + manual.Tools[i].Name
		kept = append(kept, manual.Tools[i])
	}
	manual.Tools = kept

	if err := c.repo.SaveManual(name, substituted, manual); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	result.Manual = manual
	result.Success = true
	c.logger.Info("registered manual", zap.String("manual", name), zap.Int("tools", len(manual.Tools)))
	return result, nil
}

// DeregisterManual tears down a manual's transport state and removes it
// from the repository.
func (c *Client) DeregisterManual(ctx context.Context, name string) error {
	tmpl, err := c.repo.GetManualCallTemplate(name)
	if err != nil {
		return err
	}
	if t, terr := c.transportFor(tmpl.Kind); terr == nil {
		if err := t.DeregisterManual(ctx, tmpl); err != nil {
			c.logger.Warn("transport deregistration failed", zap.String("manual", name), zap.Error(err))
		}
	}
	return c.repo.RemoveManual(name)
}

// CallTool invokes qualifiedName ("<manual>.<tool>") with args and returns
// its single result.
func (c *Client) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (any, error) {
	manualName, toolName, tmpl, err := c.resolveCall(qualifiedName)
	if err != nil {
		return nil, err
	}
	t, err := c.transportFor(tmpl.Kind)
	if err != nil {
		return nil, err
	}
	res, err := t.CallTool(ctx, toolName, args, tmpl)
	if err != nil {
		return nil, &CallFailureError{Tool: qualifiedName, Err: err}
	}
	for _, pp := range c.postProcessors {
		res, err = pp.PostProcess(ctx, toolName, args, res)
		if err != nil {
			return nil, &CallFailureError{Tool: qualifiedName, Err: err}
		}
	}
	c.logger.Debug("called tool", zap.String("manual", manualName), zap.String("tool", toolName))
	return res, nil
}

// CallToolStreaming invokes qualifiedName and returns a channel of
// incremental results, falling back to a single-element channel for
// transports without native streaming.
func (c *Client) CallToolStreaming(ctx context.Context, qualifiedName string, args map[string]any) (<-chan StreamResult, error) {
	_, toolName, tmpl, err := c.resolveCall(qualifiedName)
	if err != nil {
		return nil, err
	}
	t, err := c.transportFor(tmpl.Kind)
	if err != nil {
		return nil, err
	}
	return t.CallToolStreaming(ctx, toolName, args, tmpl)
}

// resolveCall returns the tool's own call template (not the manual's
// registration template), since a single manual can fan out tools with
// different call templates (one path per OpenAPI operation, one server
// per MCP resource, ...). It also enforces spec.md §4.6 step 4: the
// tool's call template kind must be among the owning manual's
// allowed_communication_protocols.
func (c *Client) resolveCall(qualifiedName string) (manual, tool string, tmpl *CallTemplate, err error) {
	manual, tool, err = ParseFQTN(qualifiedName)
	if err != nil {
		return "", "", nil, &InvalidConfigError{Reason: err.Error()}
	}
	t, err := c.repo.GetTool(qualifiedName)
	if err != nil {
		return "", "", nil, err
	}
	manualTmpl, err := c.repo.GetManualCallTemplate(manual)
	if err != nil {
		return "", "", nil, err
	}
	if _, ok := manualTmpl.AllowedProtocols()[t.ToolCallTemplate.Kind]; !ok {
		return "", "", nil, &UnsupportedOperationError{Operation: "call_tool", Kind: t.ToolCallTemplate.Kind}
	}
	return manual, tool, &t.ToolCallTemplate, nil
}

// SearchTools ranks every registered tool against query using the
// client's configured ToolSearchStrategy.
func (c *Client) SearchTools(query string, limit int) []Tool {
	return c.search.Search(c.repo.GetTools(), query, limit)
}

// GetTools returns every registered tool.
func (c *Client) GetTools() []Tool { return c.repo.GetTools() }

// GetManuals returns every registered manual name.
func (c *Client) GetManuals() []string { return c.repo.GetManuals() }

// GetRequiredVariablesForManualAndTools returns the variable names tmpl
// references, without registering it, so a caller can prompt for them
// ahead of time.
func (c *Client) GetRequiredVariablesForManualAndTools(tmpl *CallTemplate) []string {
	return RequiredVariablesForTemplate(tmpl)
}

// GetRequiredVariablesForRegisteredTool returns the variable names the
// already-registered tool's manual call template references.
func (c *Client) GetRequiredVariablesForRegisteredTool(qualifiedName string) ([]string, error) {
	manual, _, err := ParseFQTN(qualifiedName)
	if err != nil {
		return nil, &InvalidConfigError{Reason: err.Error()}
	}
	tmpl, err := c.repo.GetManualCallTemplate(manual)
	if err != nil {
		return nil, err
	}
	return RequiredVariablesForTemplate(tmpl), nil
}
