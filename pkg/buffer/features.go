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

package buffer

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// FeatureOptions selects which derived columns Features computes.
type FeatureOptions struct {
	// Windows lists the rolling-statistic window sizes.
	Windows []int `json:"windows,omitempty"`
	// Lags lists lag periods; zero-length means no lag columns.
	Lags []int `json:"lags,omitempty"`
	// FillValue replaces cold-start nulls so every row carries a valid
	// numeric vector. Default 0.
	FillValue float64 `json:"fill_value"`
	// EWMSpans lists exponentially weighted mean spans.
	EWMSpans []int `json:"ewm_spans,omitempty"`
	// RatePeriods lists rate-of-change periods.
	RatePeriods []int `json:"rate_periods,omitempty"`
	// ZScore adds a z-score column per numeric column.
	ZScore bool `json:"zscore,omitempty"`
	// MinMax adds a min-max scaled column per numeric column.
	MinMax bool `json:"minmax,omitempty"`
}

// Frame is an immutable columnar result: the buffer's rows augmented with
// derived feature columns.
type Frame struct {
	names   []string
	numeric map[string][]float64
	text    map[string][]string
	rows    int
}

// Rows returns the row count.
func (f *Frame) Rows() int { return f.rows }

// Columns returns the column names in order: source columns first, then
// derived columns grouped by source column.
func (f *Frame) Columns() []string { return append([]string(nil), f.names...) }

// Numeric returns a numeric column by name.
func (f *Frame) Numeric(name string) ([]float64, bool) {
	col, ok := f.numeric[name]
	return col, ok
}

// Matrix returns all numeric columns row-major in column order.
func (f *Frame) Matrix() [][]float64 {
	var cols [][]float64
	for _, name := range f.names {
		if col, ok := f.numeric[name]; ok {
			cols = append(cols, col)
		}
	}
	out := make([][]float64, f.rows)
	for i := range out {
		row := make([]float64, len(cols))
		for j, col := range cols {
			row[j] = col[i]
		}
		out[i] = row
	}
	return out
}

// Records converts the frame to row maps, oldest-first.
func (f *Frame) Records() []Record {
	out := make([]Record, f.rows)
	for i := 0; i < f.rows; i++ {
		row := make(Record, len(f.names))
		for _, name := range f.names {
			if col, ok := f.numeric[name]; ok {
				row[name] = col[i]
			} else {
				row[name] = f.text[name][i]
			}
		}
		out[i] = row
	}
	return out
}

// Features computes the derived columns without mutating the buffer. The
// result depends only on the retained rows and the options, so repeated
// calls without intervening appends are identical.
func (b *Buffer) Features(opts FeatureOptions) (*Frame, error) {
	for _, w := range opts.Windows {
		if w <= 0 {
			return nil, fmt.Errorf("rolling window must be positive, got %d", w)
		}
	}
	for _, k := range opts.Lags {
		if k <= 0 {
			return nil, fmt.Errorf("lag period must be positive, got %d", k)
		}
	}
	for _, s := range opts.EWMSpans {
		if s <= 0 {
			return nil, fmt.Errorf("ewm span must be positive, got %d", s)
		}
	}
	for _, p := range opts.RatePeriods {
		if p <= 0 {
			return nil, fmt.Errorf("rate period must be positive, got %d", p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.rawLen() - b.start
	frame := &Frame{
		numeric: make(map[string][]float64),
		text:    make(map[string][]string),
		rows:    size,
	}

	for _, col := range b.columns {
		frame.names = append(frame.names, col.name)
		if !col.numeric {
			frame.text[col.name] = append([]string(nil), col.texts[b.start:]...)
			continue
		}

		values := append([]float64(nil), col.floats[b.start:]...)
		frame.numeric[col.name] = values

		for _, w := range opts.Windows {
			addColumn(frame, fmt.Sprintf("%s_rolling_mean_%d", col.name, w),
				rolling(values, w, opts.FillValue, func(win []float64) float64 { return stat.Mean(win, nil) }))
			addColumn(frame, fmt.Sprintf("%s_rolling_std_%d", col.name, w),
				rolling(values, w, opts.FillValue, sampleStd))
			addColumn(frame, fmt.Sprintf("%s_rolling_min_%d", col.name, w),
				rolling(values, w, opts.FillValue, sliceMin))
			addColumn(frame, fmt.Sprintf("%s_rolling_max_%d", col.name, w),
				rolling(values, w, opts.FillValue, sliceMax))
			addColumn(frame, fmt.Sprintf("%s_rolling_sum_%d", col.name, w),
				rolling(values, w, opts.FillValue, sliceSum))
			addColumn(frame, fmt.Sprintf("%s_rolling_median_%d", col.name, w),
				rolling(values, w, opts.FillValue, median))
		}

		for _, k := range opts.Lags {
			lagged := make([]float64, size)
			for i := range values {
				if i < k {
					lagged[i] = opts.FillValue
				} else {
					lagged[i] = values[i-k]
				}
			}
			addColumn(frame, fmt.Sprintf("%s_lag_%d", col.name, k), lagged)
		}

		for _, span := range opts.EWMSpans {
			addColumn(frame, fmt.Sprintf("%s_ewm_mean_%d", col.name, span), ewmMean(values, span))
		}

		for _, p := range opts.RatePeriods {
			roc := make([]float64, size)
			for i := range values {
				if i < p || values[i-p] == 0 {
					roc[i] = opts.FillValue
				} else {
					roc[i] = (values[i] - values[i-p]) / values[i-p]
				}
			}
			addColumn(frame, fmt.Sprintf("%s_roc_%d", col.name, p), roc)
		}

		if opts.ZScore {
			addColumn(frame, col.name+"_zscore", zscore(values, opts.FillValue))
		}
		if opts.MinMax {
			addColumn(frame, col.name+"_minmax", minmax(values, opts.FillValue))
		}
	}

	return frame, nil
}

// LatestFeatures computes features over the whole buffer and returns the
// last n rows of the frame as records.
func (b *Buffer) LatestFeatures(n int, opts FeatureOptions) ([]Record, error) {
	frame, err := b.Features(opts)
	if err != nil {
		return nil, err
	}
	records := frame.Records()
	if n < len(records) {
		records = records[len(records)-n:]
	}
	return records, nil
}

func addColumn(f *Frame, name string, values []float64) {
	f.names = append(f.names, name)
	f.numeric[name] = values
}

// rolling applies fn over the trailing w values of each row, emitting
// fill for rows with an incomplete window.
func rolling(values []float64, w int, fill float64, fn func([]float64) float64) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < w-1 {
			out[i] = fill
			continue
		}
		out[i] = fn(values[i-w+1 : i+1])
	}
	return out
}

func sampleStd(win []float64) float64 {
	if len(win) < 2 {
		return 0
	}
	return stat.StdDev(win, nil)
}

func sliceMin(win []float64) float64 {
	m := win[0]
	for _, v := range win[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func sliceMax(win []float64) float64 {
	m := win[0]
	for _, v := range win[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func sliceSum(win []float64) float64 {
	var s float64
	for _, v := range win {
		s += v
	}
	return s
}

func median(win []float64) float64 {
	sorted := append([]float64(nil), win...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// ewmMean computes the exponentially weighted mean with
// alpha = 2/(span+1), seeded from the first value.
func ewmMean(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	alpha := 2.0 / (float64(span) + 1.0)
	for i, v := range values {
		if i == 0 {
			out[i] = v
			continue
		}
		out[i] = alpha*v + (1-alpha)*out[i-1]
	}
	return out
}

func zscore(values []float64, fill float64) []float64 {
	out := make([]float64, len(values))
	if len(values) < 2 {
		for i := range out {
			out[i] = fill
		}
		return out
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 {
		for i := range out {
			out[i] = fill
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

func minmax(values []float64, fill float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := sliceMin(values), sliceMax(values)
	if hi == lo {
		for i := range out {
			out[i] = fill
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}
