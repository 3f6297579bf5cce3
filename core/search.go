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
	"sort"
	"strings"
)

// ToolSearchStrategy ranks a repository's tools against a free-text query.
// The default implementation is a tag/keyword matcher; a caller wanting
// semantic search supplies an embedding-backed implementation of this same
// interface (kept an external collaborator, not part of this module).
type ToolSearchStrategy interface {
	Search(tools []Tool, query string, limit int) []Tool
}

// TagKeywordSearch scores tools by how many query words appear in the
// tool's name, description, or tags, case-insensitively.
type TagKeywordSearch struct{}

type scoredTool struct {
	tool  Tool
	score int
	index int
}

// Search implements ToolSearchStrategy. limit <= 0 means unlimited.
func (TagKeywordSearch) Search(tools []Tool, query string, limit int) []Tool {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		if limit > 0 && limit < len(tools) {
			return append([]Tool(nil), tools[:limit]...)
		}
		return append([]Tool(nil), tools...)
	}

	scored := make([]scoredTool, 0, len(tools))
	for i, t := range tools {
		haystack := strings.ToLower(t.Name + " " + t.Description + " " + strings.Join(t.Tags, " "))
		score := 0
		for _, w := range words {
			if strings.Contains(haystack, w) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, scoredTool{tool: t, score: score, index: i})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index < scored[j].index
	})

	if limit > 0 && limit < len(scored) {
		scored = scored[:limit]
	}
	out := make([]Tool, len(scored))
	for i, s := range scored {
		out[i] = s.tool
	}
	return out
}
