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

package anomaly

import (
	"fmt"
	"sync"
	"time"

	"github.com/llamafarm/llamafarm/pkg/buffer"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

// Status names a streaming detector lifecycle phase.
type Status string

const (
	// StatusCollecting means no model is fitted yet; points are buffered.
	StatusCollecting Status = "collecting"
	// StatusReady means points are scored against the current model.
	StatusReady Status = "ready"
	// StatusRetraining means scoring continues on the old model while a
	// background fit runs.
	StatusRetraining Status = "retraining"
)

// StreamingConfig parameterizes a streaming detector.
type StreamingConfig struct {
	// Backend, Contamination, Threshold, Normalization, Params and Seed
	// configure the underlying model; see Config.
	Backend       string        `json:"backend"`
	Contamination float64       `json:"contamination"`
	Threshold     *float64      `json:"threshold,omitempty"`
	Normalization Normalization `json:"normalization"`
	Params        Params        `json:"params,omitempty"`
	Seed          int64         `json:"seed,omitempty"`

	// MinSamples is the warm-up size before the first fit. Default 50.
	MinSamples int `json:"min_samples"`
	// RetrainInterval is how many samples accumulate between background
	// retrains. Default 100.
	RetrainInterval int `json:"retrain_interval"`
	// BufferSize is the sliding window the detector trains on. Default
	// 1000.
	BufferSize int `json:"buffer_size"`
	// Windows enables rolling-window features; empty means the raw
	// numeric row is the feature vector.
	Windows []int `json:"windows,omitempty"`
}

func (c *StreamingConfig) setDefaults() {
	if c.MinSamples <= 0 {
		c.MinSamples = 50
	}
	if c.RetrainInterval <= 0 {
		c.RetrainInterval = 100
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.BufferSize < c.MinSamples {
		c.BufferSize = c.MinSamples
	}
}

func (c StreamingConfig) modelConfig() Config {
	return Config{
		Backend:       c.Backend,
		Contamination: c.Contamination,
		Threshold:     c.Threshold,
		Normalization: c.Normalization,
		Params:        c.Params,
		Seed:          c.Seed,
	}
}

// Result is the outcome of processing one point. Score is nil while the
// detector is still collecting.
type Result struct {
	ModelID           string   `json:"model_id"`
	Index             int      `json:"index"`
	Score             *float64 `json:"score"`
	IsAnomaly         bool     `json:"is_anomaly"`
	Threshold         float64  `json:"threshold,omitempty"`
	Status            Status   `json:"status"`
	SamplesUntilReady int      `json:"samples_until_ready"`
	ModelVersion      int      `json:"model_version"`
}

// BatchResult aggregates ProcessBatch output.
type BatchResult struct {
	Results   []Result      `json:"results"`
	Anomalies int           `json:"anomalies"`
	Elapsed   time.Duration `json:"elapsed"`
}

// StreamingStats is the /stats snapshot of a streaming detector.
type StreamingStats struct {
	ModelID             string    `json:"model_id"`
	Backend             string    `json:"backend"`
	Status              Status    `json:"status"`
	ModelVersion        int       `json:"model_version"`
	BufferSize          int       `json:"buffer_size"`
	TotalSamples        int64     `json:"total_samples"`
	SamplesSinceRetrain int       `json:"samples_since_retrain"`
	Threshold           float64   `json:"threshold"`
	NormStats           NormStats `json:"normalization_stats"`
}

// StreamingDetector scores points one at a time, warming up on the
// first MinSamples points and retraining in the background every
// RetrainInterval points after that. Scoring keeps using the previous
// model while a retrain is in flight.
type StreamingDetector struct {
	id  string
	cfg StreamingConfig

	mu           sync.Mutex
	buf          *buffer.Buffer
	model        *Model
	status       Status
	version      int
	sinceRetrain int
	retraining   bool

	wg sync.WaitGroup
}

// NewStreaming builds an unfitted streaming detector in Collecting
// state.
func NewStreaming(id string, cfg StreamingConfig) (*StreamingDetector, error) {
	cfg.setDefaults()

	// Fail fast on unknown backends before any data arrives.
	if _, err := New(cfg.modelConfig()); err != nil {
		return nil, err
	}

	buf, err := buffer.New(cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	return &StreamingDetector{
		id:     id,
		cfg:    cfg,
		buf:    buf,
		status: StatusCollecting,
	}, nil
}

// ID returns the detector's model id.
func (s *StreamingDetector) ID() string { return s.id }

func (s *StreamingDetector) featureOptions() buffer.FeatureOptions {
	return buffer.FeatureOptions{Windows: s.cfg.Windows}
}

// trainingMatrix builds the fit matrix from the buffer. Caller holds the
// lock or owns a snapshot; buffer methods lock internally.
func (s *StreamingDetector) trainingMatrix() ([][]float64, error) {
	if len(s.cfg.Windows) == 0 {
		return s.buf.Matrix(), nil
	}
	frame, err := s.buf.Features(s.featureOptions())
	if err != nil {
		return nil, err
	}
	return frame.Matrix(), nil
}

// latestVector returns the feature vector for the newest buffered row.
func (s *StreamingDetector) latestVector() ([]float64, error) {
	X, err := s.trainingMatrix()
	if err != nil {
		return nil, err
	}
	if len(X) == 0 {
		return nil, fmt.Errorf("buffer is empty")
	}
	return X[len(X)-1], nil
}

// Process appends one record and scores it. While collecting it returns
// a nil score with the remaining warm-up count; the point that completes
// the warm-up trains the first model and still reports as in-warmup with
// samples_until_ready zero.
func (s *StreamingDetector) Process(record buffer.Record, index int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Append(record); err != nil {
		return Result{}, err
	}
	s.sinceRetrain++

	res := Result{
		ModelID:      s.id,
		Index:        index,
		Status:       s.status,
		ModelVersion: s.version,
	}

	if s.status == StatusCollecting {
		// The countdown measures buffer size after the append, so the
		// first of min_samples=10 points reports 9 and the point that
		// completes warm-up reports 0.
		size := s.buf.Len()
		if size < s.cfg.MinSamples {
			res.SamplesUntilReady = s.cfg.MinSamples - size
			return res, nil
		}

		// Warm-up complete: first fit happens inline.
		if err := s.fitLocked(); err != nil {
			return Result{}, fmt.Errorf("initial training failed: %w", err)
		}
		s.sinceRetrain = 0
		res.Status = s.status
		res.ModelVersion = s.version
		res.SamplesUntilReady = 0
		return res, nil
	}

	vec, err := s.latestVector()
	if err != nil {
		return Result{}, err
	}
	scores, err := s.model.Score([][]float64{vec})
	if err != nil {
		return Result{}, err
	}
	score := scores[0]
	res.Score = &score
	res.Threshold = s.model.Threshold()
	res.IsAnomaly = score > res.Threshold

	if s.sinceRetrain >= s.cfg.RetrainInterval && !s.retraining {
		s.spawnRetrainLocked()
	}
	res.Status = s.status
	return res, nil
}

// fitLocked fits a fresh model on the buffered features and installs it.
func (s *StreamingDetector) fitLocked() error {
	X, err := s.trainingMatrix()
	if err != nil {
		return err
	}
	model, err := New(s.cfg.modelConfig())
	if err != nil {
		return err
	}
	if err := model.Fit(X); err != nil {
		return err
	}
	s.model = model
	s.version++
	s.status = StatusReady
	return nil
}

// spawnRetrainLocked starts a background retrain. At most one runs at a
// time; scoring continues on the old model until the swap.
func (s *StreamingDetector) spawnRetrainLocked() {
	s.retraining = true
	s.status = StatusRetraining

	X, err := s.trainingMatrix()
	if err != nil {
		s.retraining = false
		s.status = StatusReady
		return
	}

	log := logger.GetLogger("anomaly")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		model, err := New(s.cfg.modelConfig())
		if err == nil {
			err = model.Fit(X)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.retraining = false
		s.status = StatusReady
		if err != nil {
			log.Warn("background retrain failed", "model_id", s.id, "error", err)
			return
		}
		s.model = model
		s.version++
		s.sinceRetrain = 0
		log.Debug("model retrained", "model_id", s.id, "model_version", s.version)
	}()
}

// ProcessBatch loops Process over records and reports aggregate wall
// time. startIndex numbers the first record.
func (s *StreamingDetector) ProcessBatch(records []buffer.Record, startIndex int) (BatchResult, error) {
	start := time.Now()
	out := BatchResult{Results: make([]Result, 0, len(records))}
	for i, rec := range records {
		res, err := s.Process(rec, startIndex+i)
		if err != nil {
			return out, err
		}
		if res.IsAnomaly {
			out.Anomalies++
		}
		out.Results = append(out.Results, res)
	}
	out.Elapsed = time.Since(start)
	return out, nil
}

// Reset drops the buffer and model and returns to Collecting.
func (s *StreamingDetector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Clear()
	s.model = nil
	s.status = StatusCollecting
	s.version = 0
	s.sinceRetrain = 0
}

// Stats snapshots the detector state.
func (s *StreamingDetector) Stats() StreamingStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StreamingStats{
		ModelID:             s.id,
		Backend:             s.cfg.Backend,
		Status:              s.status,
		ModelVersion:        s.version,
		BufferSize:          s.buf.Len(),
		TotalSamples:        s.buf.Total(),
		SamplesSinceRetrain: s.sinceRetrain,
	}
	if st.Backend == "" {
		st.Backend = "ecod"
	}
	if s.model != nil {
		st.Threshold = s.model.Threshold()
		st.NormStats = s.model.NormStats()
	}
	return st
}

// Wait blocks until any in-flight retrain finishes.
func (s *StreamingDetector) Wait() {
	s.wg.Wait()
}
