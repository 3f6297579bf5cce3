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

import "context"

// PostProcessor observes, and may transform, a tool's result before
// CallTool hands it back to the caller. A Client runs every configured
// PostProcessor in order (spec.md §4.6 step 6); each one sees the output
// of the one before it.
type PostProcessor interface {
	PostProcess(ctx context.Context, toolName string, args map[string]any, result any) (any, error)
}

// PostProcessorFunc adapts a plain function to PostProcessor.
type PostProcessorFunc func(ctx context.Context, toolName string, args map[string]any, result any) (any, error)

func (f PostProcessorFunc) PostProcess(ctx context.Context, toolName string, args map[string]any, result any) (any, error) {
	return f(ctx, toolName, args, result)
}
