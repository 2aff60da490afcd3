// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package format

import (
	"strings"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"github.com/AleutianAI/AleutianInsight/services/insight/template"
)

// Selection narrows and transforms the fields rendered for a shard.
type Selection struct {
	IncludeFields []string
	ExcludeFields []string
	Transforms    []template.FieldTransform
}

// SelectionFor merges template-level field selection with a relationship's
// include/exclude lists. Relationship lists take precedence when set.
func SelectionFor(fs template.FieldSelection, rc *template.RelationshipConfig) Selection {
	sel := Selection{
		IncludeFields: fs.IncludeFields,
		ExcludeFields: fs.ExcludeFields,
		Transforms:    fs.Transforms,
	}
	if rc != nil {
		if len(rc.IncludeFields) > 0 {
			sel.IncludeFields = rc.IncludeFields
		}
		if len(rc.ExcludeFields) > 0 {
			sel.ExcludeFields = append(append([]string{}, sel.ExcludeFields...), rc.ExcludeFields...)
		}
	}
	return sel
}

// allows reports whether field passes the include/exclude lists.
func (s Selection) allows(field string) bool {
	for _, f := range s.ExcludeFields {
		if f == field {
			return false
		}
	}
	if len(s.IncludeFields) == 0 {
		return true
	}
	for _, f := range s.IncludeFields {
		if f == field {
			return true
		}
	}
	return false
}

// RenderShard renders a shard as a compact text block:
//
//	Name (type, status)
//	- field: value
//	content
//
// Fields are sorted by name, filtered by sel and transformed in the order
// the transforms are declared.
func RenderShard(s *shard.Shard, sel Selection) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(s.Name)
	meta := []string{s.ShardTypeID}
	if s.Status != "" {
		meta = append(meta, s.Status)
	}
	b.WriteString(" (" + strings.Join(meta, ", ") + ")")

	for _, name := range s.FieldNames() {
		if !sel.allows(name) {
			continue
		}
		value := s.Fields[name]
		for _, tr := range sel.Transforms {
			if tr.Field == name {
				value = ApplyTransform(tr.Kind, value, tr.Config)
			}
		}
		rendered := stringify(value)
		if rendered == "" {
			continue
		}
		b.WriteString("\n- " + name + ": " + rendered)
	}
	if len(s.Tags) > 0 && sel.allows("tags") {
		b.WriteString("\n- tags: " + strings.Join(s.Tags, ", "))
	}
	if content := strings.TrimSpace(s.Content); content != "" && sel.allows("content") {
		for _, tr := range sel.Transforms {
			if tr.Field == "content" {
				content = stringify(ApplyTransform(tr.Kind, content, tr.Config))
			}
		}
		b.WriteString("\n" + content)
	}
	return b.String()
}

// RenderField renders a single field as "name: value".
func RenderField(name string, value any) string {
	return name + ": " + stringify(value)
}
