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

// Package buffer implements a thread-safe columnar sliding window with
// lazily computed rolling features. Streaming anomaly detectors feed from
// it, and the /v1/polars endpoints expose it directly.
package buffer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Record is one row keyed by column name. Numeric values (any Go number
// type) land in float64 columns; everything else is stored as text.
type Record map[string]any

// column is one typed column of the sliding window. Exactly one of the
// backing slices is used, chosen at schema-fix time.
type column struct {
	name    string
	numeric bool
	floats  []float64
	texts   []string
}

// Buffer is a fixed-window columnar store. The schema is fixed by the
// first appended record; later records missing a column get a zero value,
// and unknown columns are dropped.
type Buffer struct {
	mu      sync.Mutex
	window  int
	columns []*column
	index   map[string]*column
	start   int   // offset of the logical first row in the backing slices
	total   int64 // rows appended over the buffer's lifetime
}

// New creates a Buffer with the given window size.
func New(window int) (*Buffer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", window)
	}
	return &Buffer{
		window: window,
		index:  make(map[string]*column),
	}, nil
}

// Window returns the configured window size.
func (b *Buffer) Window() int {
	return b.window
}

// Append inserts one record, truncating to the window size.
func (b *Buffer) Append(record Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(record)
}

// AppendBatch inserts records in order, truncating once at the end.
func (b *Buffer) AppendBatch(records []Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range records {
		if err := b.appendLocked(r); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func (b *Buffer) appendLocked(record Record) error {
	if len(record) == 0 {
		return fmt.Errorf("record cannot be empty")
	}

	if b.columns == nil {
		for _, name := range sortedKeys(record) {
			_, numeric := toFloat(record[name])
			col := &column{name: name, numeric: numeric}
			b.columns = append(b.columns, col)
			b.index[name] = col
		}
	}

	for _, col := range b.columns {
		value, present := record[col.name]
		if col.numeric {
			f := 0.0
			if present {
				v, ok := toFloat(value)
				if !ok {
					return fmt.Errorf("column %q expects a numeric value, got %T", col.name, value)
				}
				f = v
			}
			col.floats = append(col.floats, f)
		} else {
			s := ""
			if present {
				s = fmt.Sprint(value)
			}
			col.texts = append(col.texts, s)
		}
	}
	b.total++

	length := b.rawLen()
	if length-b.start > b.window {
		b.start = length - b.window
	}
	// Compact once the dead prefix exceeds a full window, keeping append
	// amortized O(1).
	if b.start > b.window {
		for _, col := range b.columns {
			if col.numeric {
				col.floats = append(col.floats[:0], col.floats[b.start:]...)
			} else {
				col.texts = append(col.texts[:0], col.texts[b.start:]...)
			}
		}
		b.start = 0
	}
	return nil
}

func (b *Buffer) rawLen() int {
	if len(b.columns) == 0 {
		return 0
	}
	col := b.columns[0]
	if col.numeric {
		return len(col.floats)
	}
	return len(col.texts)
}

// Len returns the number of retained rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rawLen() - b.start
}

// Total returns the number of rows appended over the buffer's lifetime.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Columns returns the column names in schema order.
func (b *Buffer) Columns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.columns))
	for i, col := range b.columns {
		names[i] = col.name
	}
	return names
}

// NumericColumns returns the numeric column names in schema order.
func (b *Buffer) NumericColumns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numericColumnsLocked()
}

func (b *Buffer) numericColumnsLocked() []string {
	var names []string
	for _, col := range b.columns {
		if col.numeric {
			names = append(names, col.name)
		}
	}
	return names
}

// Records returns the retained rows oldest-first as fresh maps.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordsLocked(b.rawLen() - b.start)
}

// Latest returns the most recent n rows oldest-first.
func (b *Buffer) Latest(n int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.rawLen() - b.start
	if n > size {
		n = size
	}
	return b.recordsLocked(n)
}

func (b *Buffer) recordsLocked(n int) []Record {
	size := b.rawLen() - b.start
	out := make([]Record, 0, n)
	for i := size - n; i < size; i++ {
		row := make(Record, len(b.columns))
		for _, col := range b.columns {
			if col.numeric {
				row[col.name] = col.floats[b.start+i]
			} else {
				row[col.name] = col.texts[b.start+i]
			}
		}
		out = append(out, row)
	}
	return out
}

// Matrix returns the numeric columns as a row-major matrix, oldest-first.
func (b *Buffer) Matrix() [][]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.rawLen() - b.start
	var numeric []*column
	for _, col := range b.columns {
		if col.numeric {
			numeric = append(numeric, col)
		}
	}

	out := make([][]float64, size)
	for i := 0; i < size; i++ {
		row := make([]float64, len(numeric))
		for j, col := range numeric {
			row[j] = col.floats[b.start+i]
		}
		out[i] = row
	}
	return out
}

// Clear drops all rows but keeps the schema.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, col := range b.columns {
		col.floats = col.floats[:0]
		col.texts = col.texts[:0]
	}
	b.start = 0
}

// ColumnStats summarizes one numeric column.
type ColumnStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Stats reports size, window, lifetime total, and per-numeric-column
// summary statistics.
type Stats struct {
	Size    int                    `json:"size"`
	Window  int                    `json:"window"`
	Total   int64                  `json:"total_appended"`
	Columns map[string]ColumnStats `json:"columns"`
}

// Stats computes summary statistics over the retained rows.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Size:    b.rawLen() - b.start,
		Window:  b.window,
		Total:   b.total,
		Columns: make(map[string]ColumnStats),
	}
	for _, col := range b.columns {
		if !col.numeric || s.Size == 0 {
			continue
		}
		values := col.floats[b.start:]
		cs := ColumnStats{
			Mean: stat.Mean(values, nil),
			Std:  stat.StdDev(values, nil),
			Min:  values[0],
			Max:  values[0],
		}
		if s.Size < 2 {
			cs.Std = 0
		}
		for _, v := range values {
			if v < cs.Min {
				cs.Min = v
			}
			if v > cs.Max {
				cs.Max = v
			}
		}
		s.Columns[col.name] = cs
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedKeys(record Record) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
