// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manipulator edits a loaded project through dotted field paths
// ("rag.databases[0].name"). It keeps the as-loaded document for diffing
// and validates every change against the v1 schema before applying it.
type Manipulator struct {
	path     string // file path for Save; may be empty for in-memory use
	original map[string]any
	current  map[string]any
}

// Change is one edit in a changeset.
type Change struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// DiffEntry describes one difference between the as-loaded and the current
// in-memory config.
type DiffEntry struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // added, removed, changed
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// NewManipulator wraps a validated project. The file path is retained for
// Save and may be empty.
func NewManipulator(project *Project, path string) (*Manipulator, error) {
	doc, err := toDocument(project)
	if err != nil {
		return nil, err
	}
	orig, err := toDocument(project)
	if err != nil {
		return nil, err
	}
	return &Manipulator{
		path:     path,
		original: orig,
		current:  doc,
	}, nil
}

// Project decodes the current document back into a typed Project.
func (m *Manipulator) Project() (*Project, error) {
	return fromDocument(m.current)
}

// Get resolves a dotted path in the current document.
func (m *Manipulator) Get(path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	var node any = m.current
	for _, seg := range segments {
		node, err = seg.resolve(node)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
	}
	return node, nil
}

// ValidateChange checks that setting path to value would produce a valid
// config, without mutating state.
func (m *Manipulator) ValidateChange(path string, value any) error {
	trial := deepCopy(m.current).(map[string]any)
	if err := setPath(trial, path, value); err != nil {
		return err
	}
	project, err := fromDocument(trial)
	if err != nil {
		return err
	}
	return project.Validate()
}

// ApplyChange validates and applies one change.
func (m *Manipulator) ApplyChange(path string, value any) error {
	return m.ApplyChangeset([]Change{{Path: path, Value: value}})
}

// ApplyChangeset applies every change or none: all changes are validated
// against a copy first; the in-memory state only advances when the whole
// set validates.
func (m *Manipulator) ApplyChangeset(changes []Change) error {
	trial := deepCopy(m.current).(map[string]any)

	for i, ch := range changes {
		if err := setPath(trial, ch.Path, ch.Value); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, ch.Path, err)
		}
	}

	project, err := fromDocument(trial)
	if err != nil {
		return fmt.Errorf("changeset produces undecodable config: %w", err)
	}
	project.SetDefaults()
	if err := project.Validate(); err != nil {
		return fmt.Errorf("changeset produces invalid config: %w", err)
	}

	m.current = trial
	return nil
}

// Diff reports the differences from the as-loaded config to the current
// in-memory config, sorted by path.
func (m *Manipulator) Diff() []DiffEntry {
	var entries []DiffEntry
	diffValues("", m.original, m.current, &entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// Save writes the current document to the loader path atomically.
func (m *Manipulator) Save() error {
	if m.path == "" {
		return fmt.Errorf("no file path associated with this config")
	}
	project, err := fromDocument(m.current)
	if err != nil {
		return err
	}
	return Save(m.path, project)
}

// ----------------------------------------------------------------------------
// Path handling
// ----------------------------------------------------------------------------

type pathSegment struct {
	field   string
	indexes []int
}

var segmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)((\[\d+\])*)$`)

func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}

	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		match := segmentPattern.FindStringSubmatch(part)
		if match == nil {
			return nil, fmt.Errorf("invalid path segment %q", part)
		}
		seg := pathSegment{field: match[1]}
		for _, idx := range regexp.MustCompile(`\d+`).FindAllString(match[2], -1) {
			n, err := strconv.Atoi(idx)
			if err != nil {
				return nil, fmt.Errorf("invalid index in %q", part)
			}
			seg.indexes = append(seg.indexes, n)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (s pathSegment) resolve(node any) (any, error) {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot descend into non-object at %q", s.field)
	}
	value, exists := obj[s.field]
	if !exists {
		return nil, fmt.Errorf("field %q not found", s.field)
	}
	for _, idx := range s.indexes {
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("field %q is not a list", s.field)
		}
		if idx < 0 || idx >= len(list) {
			return nil, fmt.Errorf("index %d out of range for %q (len %d)", idx, s.field, len(list))
		}
		value = list[idx]
	}
	return value, nil
}

// setPath mutates doc in place setting the addressed field. An index equal
// to the list length appends.
func setPath(doc map[string]any, path string, value any) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}

	value = normalizeValue(value)

	var node any = doc
	for i, seg := range segments {
		obj, ok := node.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot descend into non-object at %q", seg.field)
		}

		last := i == len(segments)-1

		if len(seg.indexes) == 0 {
			if last {
				obj[seg.field] = value
				return nil
			}
			child, exists := obj[seg.field]
			if !exists || child == nil {
				child = make(map[string]any)
				obj[seg.field] = child
			}
			node = child
			continue
		}

		child, exists := obj[seg.field]
		if !exists {
			child = []any{}
			obj[seg.field] = child
		}

		for j, idx := range seg.indexes {
			list, ok := child.([]any)
			if !ok {
				return fmt.Errorf("field %q is not a list", seg.field)
			}
			lastIndex := last && j == len(seg.indexes)-1
			if idx == len(list) && lastIndex {
				obj[seg.field] = append(list, value)
				return nil
			}
			if idx < 0 || idx >= len(list) {
				return fmt.Errorf("index %d out of range for %q (len %d)", idx, seg.field, len(list))
			}
			if lastIndex {
				list[idx] = value
				return nil
			}
			if j == len(seg.indexes)-1 {
				node = list[idx]
			} else {
				child = list[idx]
			}
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Document conversion and diffing
// ----------------------------------------------------------------------------

func toDocument(project *Project) (map[string]any, error) {
	data, err := yaml.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to rebuild document: %w", err)
	}
	return doc, nil
}

func fromDocument(doc map[string]any) (*Project, error) {
	project := &Project{}
	if err := decodeProject(doc, project); err != nil {
		return nil, err
	}
	return project, nil
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = deepCopy(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopy(item)
		}
		return result
	default:
		return v
	}
}

// normalizeValue converts nested typed values (e.g. decoded JSON) into the
// plain map/slice shapes the document uses.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = normalizeValue(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = normalizeValue(item)
		}
		return result
	default:
		return v
	}
}

func diffValues(path string, old, new any, entries *[]DiffEntry) {
	oldMap, oldIsMap := old.(map[string]any)
	newMap, newIsMap := new.(map[string]any)
	if oldIsMap && newIsMap {
		keys := make(map[string]bool)
		for k := range oldMap {
			keys[k] = true
		}
		for k := range newMap {
			keys[k] = true
		}
		for k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			oldVal, inOld := oldMap[k]
			newVal, inNew := newMap[k]
			switch {
			case !inOld:
				*entries = append(*entries, DiffEntry{Path: childPath, Kind: "added", New: newVal})
			case !inNew:
				*entries = append(*entries, DiffEntry{Path: childPath, Kind: "removed", Old: oldVal})
			default:
				diffValues(childPath, oldVal, newVal, entries)
			}
		}
		return
	}

	oldList, oldIsList := old.([]any)
	newList, newIsList := new.([]any)
	if oldIsList && newIsList {
		max := len(oldList)
		if len(newList) > max {
			max = len(newList)
		}
		for i := 0; i < max; i++ {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i >= len(oldList):
				*entries = append(*entries, DiffEntry{Path: childPath, Kind: "added", New: newList[i]})
			case i >= len(newList):
				*entries = append(*entries, DiffEntry{Path: childPath, Kind: "removed", Old: oldList[i]})
			default:
				diffValues(childPath, oldList[i], newList[i], entries)
			}
		}
		return
	}

	if !equalValues(old, new) {
		*entries = append(*entries, DiffEntry{Path: path, Kind: "changed", Old: old, New: new})
	}
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
